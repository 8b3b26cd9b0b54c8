package params

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"kairos/internal/bus"
	"kairos/internal/config"
	"kairos/internal/domain"
	"kairos/internal/logger"

	"github.com/google/uuid"
	"github.com/mitchellh/mapstructure"
	"github.com/santhosh-tekuri/jsonschema/v5"
)

// blobSchema guards the opaque parts of a ParamVersion before they are
// persisted. Hot-reloaded config that fails this never becomes a version.
const blobSchema = `{
  "type": "object",
  "required": ["kb", "ks", "leverageBands", "cooldownRules", "portfolioCaps"],
  "properties": {
    "kb": {"type": "number", "exclusiveMinimum": 0},
    "ks": {"type": "number", "exclusiveMinimum": 0},
    "leverageBands": {
      "type": "array",
      "minItems": 1,
      "items": {
        "type": "object",
        "required": ["maxSigmaNorm", "leverage"],
        "properties": {
          "maxSigmaNorm": {"type": "number", "exclusiveMinimum": 0},
          "leverage": {"type": "number", "exclusiveMinimum": 0}
        }
      }
    },
    "cooldownRules": {
      "type": "object",
      "properties": {
        "perSymbolMs": {"type": "integer", "minimum": 0},
        "perEngineMs": {"type": "integer", "minimum": 0}
      }
    },
    "portfolioCaps": {
      "type": "object",
      "properties": {
        "max": {"type": "integer", "minimum": 0},
        "maxDefensive": {"type": "integer", "minimum": 0}
      }
    }
  }
}`

var compiledSchema = jsonschema.MustCompileString("param_version.json", blobSchema)

// Store persists and resolves versions.
type Store interface {
	InsertParamVersion(v domain.ParamVersion) error
	ActiveParamVersion(at int64) (*domain.ParamVersion, error)
}

// Service owns ParamVersion rows. Active lookups are cached; the cache is
// invalidated whenever a new version is activated through this service.
type Service struct {
	store Store
	bus   *bus.Bus

	mu     sync.Mutex
	cached *domain.ParamVersion

	now func() time.Time
}

func NewService(store Store, b *bus.Bus) *Service {
	return &Service{store: store, bus: b, now: time.Now}
}

// Active resolves the version with the greatest effectiveFrom at or before
// the instant. Nil when no version has been activated yet. The cache only
// ever holds the newest activated version, so it answers current-time lookups
// while historical instants fall through to the store.
func (s *Service) Active(at int64) (*domain.ParamVersion, error) {
	s.mu.Lock()
	cached := s.cached
	s.mu.Unlock()
	if cached != nil && cached.EffectiveFrom <= at {
		return cached, nil
	}
	return s.store.ActiveParamVersion(at)
}

// ActiveVersionID stamps plans and positions. Falls back to "baseline" while
// no version row exists, which the planner treats as the unversioned default.
func (s *Service) ActiveVersionID(atMs int64) string {
	v, err := s.Active(atMs)
	if err != nil || v == nil {
		return "baseline"
	}
	return v.ID
}

// ActivateFromConfig snapshots the tunable parts of cfg into a new version
// effective immediately. A snapshot identical to the active version is a
// no-op, so config reloads that touch unrelated keys do not churn versions.
func (s *Service) ActivateFromConfig(cfg *config.Config) error {
	version, err := buildVersion(cfg, s.now().UnixMilli())
	if err != nil {
		return err
	}
	if err := validateBlobs(version); err != nil {
		return fmt.Errorf("param version rejected: %w", err)
	}

	active, err := s.store.ActiveParamVersion(version.EffectiveFrom)
	if err != nil {
		return err
	}
	if active != nil && sameContent(*active, version) {
		return nil
	}

	if err := s.store.InsertParamVersion(version); err != nil {
		return err
	}
	s.mu.Lock()
	s.cached = &version
	s.mu.Unlock()

	logger.Infof("params: activated version %s", version.ID)
	s.bus.Publish(bus.EventAuditEvent, domain.AuditEvent{
		ID:              uuid.NewString(),
		Ts:              s.now().UnixMilli(),
		Step:            "params.version_activated",
		Level:           domain.AuditInfo,
		Message:         "param version activated",
		OutputsHash:     domain.HashObject(version),
		ParamsVersionID: version.ID,
		Metadata: map[string]any{
			"effectiveFrom": version.EffectiveFrom,
			"bands":         len(version.LeverageBands),
		},
	})
	return nil
}

func buildVersion(cfg *config.Config, nowMs int64) (domain.ParamVersion, error) {
	var bands []domain.LeverageBand
	if err := mapstructure.Decode(cfg.Strategy.Continuation.LeverageBands, &bands); err != nil {
		return domain.ParamVersion{}, fmt.Errorf("decode leverage bands: %w", err)
	}
	v := domain.ParamVersion{
		EffectiveFrom: nowMs,
		Kb:            cfg.Strategy.Breakout.Kb,
		Ks:            cfg.Strategy.Continuation.Ks,
		LeverageBands: bands,
		Cooldowns: domain.CooldownRules{
			PerSymbolMs: cfg.Risk.PerSymbolCooldownMs,
			PerEngineMs: cfg.Risk.PerEngineCooldownMs,
		},
		Caps: domain.PortfolioCaps{
			Max:          cfg.Risk.MaxOpen,
			MaxDefensive: cfg.Risk.MaxOpenDefensive,
		},
	}
	v.ID = "pv-" + domain.ShortHash(struct {
		From  int64                 `json:"from"`
		Kb    float64               `json:"kb"`
		Ks    float64               `json:"ks"`
		Bands []domain.LeverageBand `json:"bands"`
		CD    domain.CooldownRules  `json:"cd"`
		Caps  domain.PortfolioCaps  `json:"caps"`
	}{v.EffectiveFrom, v.Kb, v.Ks, v.LeverageBands, v.Cooldowns, v.Caps})
	return v, nil
}

func validateBlobs(v domain.ParamVersion) error {
	raw, err := json.Marshal(map[string]any{
		"kb":            v.Kb,
		"ks":            v.Ks,
		"leverageBands": v.LeverageBands,
		"cooldownRules": v.Cooldowns,
		"portfolioCaps": v.Caps,
	})
	if err != nil {
		return err
	}
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return err
	}
	return compiledSchema.Validate(doc)
}

func sameContent(a, b domain.ParamVersion) bool {
	a.ID, b.ID = "", ""
	a.EffectiveFrom, b.EffectiveFrom = 0, 0
	return domain.HashObject(a) == domain.HashObject(b)
}
