package mcp

import (
	"context"
	"fmt"
	"testing"
)

func TestMergeTools(t *testing.T) {
	request := []RemoteTool{{Name: "search_law", URL: "https://request"}, {Name: ""}}
	catalog := []RemoteTool{{Name: "search_law", URL: "https://catalog"}, {Name: "echo"}}

	got := MergeTools(0, request, catalog)
	if len(got) != 2 {
		t.Fatalf("MergeTools() = %+v, want 2 tools", got)
	}
	if got[0].URL != "https://request" {
		t.Errorf("first list should win duplicates, got %s", got[0].URL)
	}

	var many []RemoteTool
	for i := 0; i < 150; i++ {
		many = append(many, RemoteTool{Name: fmt.Sprintf("t%d", i)})
	}
	if got := MergeTools(MaxCatalogTools, many); len(got) != MaxCatalogTools {
		t.Errorf("len(MergeTools(cap)) = %d, want %d", len(got), MaxCatalogTools)
	}
}

func TestCatalogRefresh(t *testing.T) {
	good := newFakeServer(t)
	goodSrv := good.startStreamable()
	dup := newFakeServer(t)
	dup.tools = []*Tool{{Name: "echo", Description: "shadowed"}, {Name: "draft_claim"}}
	dupSrv := dup.startStreamable()

	cat := NewCatalog([]ServerConfig{
		{Name: "good", URL: goodSrv.URL},
		{Name: "down", URL: "http://127.0.0.1:1/mcp"},
		{Name: "dup", URL: dupSrv.URL, APIKey: ""},
	}, nil, nil)

	err := cat.Refresh(context.Background())
	if err == nil {
		t.Error("Refresh() should report the unreachable server")
	}
	tools := cat.Tools()
	names := make([]string, 0, len(tools))
	for _, tool := range tools {
		names = append(names, tool.Name)
	}
	if fmt.Sprint(names) != "[search_law echo draft_claim]" {
		t.Errorf("catalog tools = %v", names)
	}
	for _, tool := range tools {
		if tool.Name == "echo" && tool.URL != goodSrv.URL {
			t.Errorf("echo should come from the first server, got %s", tool.URL)
		}
	}
	if cat.RefreshedAt().IsZero() {
		t.Error("RefreshedAt not set")
	}
}

func TestCatalogStartRejectsBadSchedule(t *testing.T) {
	cat := NewCatalog(nil, nil, nil)
	if err := cat.Start(context.Background(), "every tuesday"); err == nil {
		t.Fatal("Start() should reject an invalid schedule")
	}
	cat.Stop()
}

func TestCatalogStartStop(t *testing.T) {
	fake := newFakeServer(t)
	srv := fake.startStreamable()
	cat := NewCatalog([]ServerConfig{{URL: srv.URL}}, nil, nil)

	if err := cat.Start(context.Background(), "@every 1h"); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer cat.Stop()
	if len(cat.Tools()) != 2 {
		t.Errorf("Start() should load the catalog, got %d tools", len(cat.Tools()))
	}

	cat.SetServers(nil)
	if err := cat.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh() error = %v", err)
	}
	if len(cat.Tools()) != 0 {
		t.Errorf("tools after removing servers = %d", len(cat.Tools()))
	}
}
