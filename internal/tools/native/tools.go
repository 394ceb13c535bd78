package native

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/Farkhat1984/sanbao-sub000/internal/net/ssrf"
	"github.com/Farkhat1984/sanbao-sub000/internal/storage"
)

// Deps are the collaborators native tools read and write.
// Nil stores make the dependent tools return an error result.
type Deps struct {
	Conversations storage.ConversationStore
	Tasks         storage.TaskStore
	Memories      storage.UserMemoryStore
	Notifications storage.NotificationStore
	Scratchpad    storage.ScratchpadStore
	Knowledge     storage.KnowledgeStore

	// HTTPClient is used by http_request. Defaults to an SSRF-guarded client.
	HTTPClient *http.Client
	Now        func() time.Time
	Logger     *slog.Logger
}

func (d *Deps) now() time.Time {
	if d.Now != nil {
		return d.Now()
	}
	return time.Now()
}

// RegisterAll registers every native tool module and seals the registry.
func RegisterAll(reg *Registry, deps Deps) error {
	if deps.HTTPClient == nil {
		deps.HTTPClient = ssrf.NewHTTPClient(10 * time.Second)
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	modules := []func(*Registry, *Deps) error{
		registerSystemTools,
		registerHTTPTools,
		registerProductivityTools,
		registerAnalysisTools,
		registerContentTools,
	}
	for _, register := range modules {
		if err := register(reg, &deps); err != nil {
			return err
		}
	}
	reg.Seal()
	return nil
}

// NewDefaultRegistry builds a sealed registry with every native tool.
func NewDefaultRegistry(deps Deps) (*Registry, error) {
	reg := NewRegistry(deps.Logger)
	if err := RegisterAll(reg, deps); err != nil {
		return nil, err
	}
	return reg, nil
}

func registerEach(reg *Registry, defs ...Definition) error {
	for _, def := range defs {
		if err := reg.Register(def); err != nil {
			return err
		}
	}
	return nil
}
