package actions

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"triggerflow/internal/models"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// Registry holds the adapter sources known to the process. Build it once
// at startup and pass it to whoever needs it.
type Registry struct {
	sources map[string]Source
}

func NewRegistry(sources ...Source) *Registry {
	r := &Registry{sources: make(map[string]Source, len(sources))}
	for _, s := range sources {
		r.sources[s.ID()] = s
	}
	return r
}

func (r *Registry) Get(id string) (Source, bool) {
	s, ok := r.sources[id]
	return s, ok
}

// Sources returns all registered sources ordered by id.
func (r *Registry) Sources() []Source {
	out := make([]Source, 0, len(r.sources))
	for _, s := range r.sources {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out
}

// ConnectorStore loads connector rows for an organization.
type ConnectorStore interface {
	ListEnabledConnectors(ctx context.Context, orgID string) ([]models.Connector, error)
	GetConnector(ctx context.Context, orgID, id string) (*models.Connector, error)
}

// CredentialBroker resolves the credential a source needs for an organization.
// A nil credential with a nil error means none is configured.
type CredentialBroker interface {
	Resolve(ctx context.Context, orgID, ref string) (*Credential, error)
}

// StaticBroker serves credentials from a fixed map keyed by
// "<org>/<ref>" with a fallback to "<ref>".
type StaticBroker map[string]string

func (b StaticBroker) Resolve(_ context.Context, orgID, ref string) (*Credential, error) {
	if ref == "" {
		return nil, nil
	}
	if tok, ok := b[orgID+"/"+ref]; ok {
		return &Credential{Token: tok}, nil
	}
	if tok, ok := b[ref]; ok {
		return &Credential{Token: tok}, nil
	}
	return nil, nil
}

// SourcedAction is an action tagged with the source that provides it.
type SourcedAction struct {
	SourceID string `json:"sourceId"`
	Origin   Origin `json:"origin"`
	ActionDefinition
}

// DiscoveryFailure records a source whose action list could not be fetched.
type DiscoveryFailure struct {
	SourceID string     `json:"sourceId"`
	Class    ErrorClass `json:"class"`
	Message  string     `json:"message"`
}

// Listing is the full action catalog for one organization.
type Listing struct {
	Actions  []SourcedAction    `json:"actions"`
	Failures []DiscoveryFailure `json:"failures,omitempty"`
}

// Resolver assembles the sources available to an organization: every
// registered adapter plus the organization's enabled connectors.
type Resolver struct {
	registry    *Registry
	connectors  ConnectorStore
	transport   Transport
	credentials CredentialBroker
	logger      *logrus.Logger
}

func NewResolver(registry *Registry, connectors ConnectorStore, transport Transport, credentials CredentialBroker, logger *logrus.Logger) *Resolver {
	if logger == nil {
		logger = logrus.New()
	}
	if registry == nil {
		registry = NewRegistry()
	}
	if credentials == nil {
		credentials = StaticBroker{}
	}
	return &Resolver{registry: registry, connectors: connectors, transport: transport, credentials: credentials, logger: logger}
}

// Sources returns adapters followed by connector sources for orgID.
func (r *Resolver) Sources(ctx context.Context, orgID string) ([]Source, error) {
	out := r.registry.Sources()
	if r.connectors == nil {
		return out, nil
	}
	rows, err := r.connectors.ListEnabledConnectors(ctx, orgID)
	if err != nil {
		return nil, fmt.Errorf("list connectors: %w", err)
	}
	for _, row := range rows {
		out = append(out, NewConnectorSource(row, r.transport))
	}
	return out, nil
}

// Source finds one source by id. Adapters are matched first.
func (r *Resolver) Source(ctx context.Context, orgID, sourceID string) (Source, error) {
	if s, ok := r.registry.Get(sourceID); ok {
		return s, nil
	}
	if r.connectors == nil {
		return nil, ErrSourceNotFound
	}
	row, err := r.connectors.GetConnector(ctx, orgID, sourceID)
	if err != nil {
		return nil, err
	}
	if row == nil || !row.Enabled {
		return nil, ErrSourceNotFound
	}
	return NewConnectorSource(*row, r.transport), nil
}

// WithCredential returns ec with the credential for src filled in.
func (r *Resolver) WithCredential(ctx context.Context, src Source, ec ExecutionContext) (ExecutionContext, error) {
	ref := src.ID()
	if named, ok := src.(interface{ CredentialRef() string }); ok {
		ref = named.CredentialRef()
	}
	cred, err := r.credentials.Resolve(ctx, ec.OrganizationID, ref)
	if err != nil {
		return ec, fmt.Errorf("resolve credential %q: %w", ref, err)
	}
	ec.Credential = cred
	return ec, nil
}

// ListActions discovers every source in parallel. A failing source is
// reported in Failures and does not fail the listing.
func (r *Resolver) ListActions(ctx context.Context, ec ExecutionContext) (Listing, error) {
	sources, err := r.Sources(ctx, ec.OrganizationID)
	if err != nil {
		return Listing{}, err
	}

	results := make([][]SourcedAction, len(sources))
	failures := make([]*DiscoveryFailure, len(sources))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(8)
	for i, src := range sources {
		g.Go(func() error {
			defs, err := r.discover(gctx, src, ec)
			if err != nil {
				failures[i] = &DiscoveryFailure{SourceID: src.ID(), Class: Classify(err), Message: err.Error()}
				r.logger.WithError(err).WithField("source_id", src.ID()).Warn("action discovery failed")
				return nil
			}
			for _, d := range defs {
				results[i] = append(results[i], SourcedAction{SourceID: src.ID(), Origin: src.Origin(), ActionDefinition: d})
			}
			return nil
		})
	}
	_ = g.Wait()

	var out Listing
	for i := range sources {
		out.Actions = append(out.Actions, results[i]...)
		if failures[i] != nil {
			out.Failures = append(out.Failures, *failures[i])
		}
	}
	return out, nil
}

func (r *Resolver) discover(ctx context.Context, src Source, ec ExecutionContext) ([]ActionDefinition, error) {
	ec, err := r.WithCredential(ctx, src, ec)
	if err != nil {
		return nil, err
	}
	return src.ListActions(ctx, ec)
}

// QualifiedName renders "<source>.<action>", the form presented to agents.
func QualifiedName(sourceID, actionID string) string {
	return sourceID + "." + actionID
}

// SplitQualifiedName parses "<source>.<action>".
func SplitQualifiedName(name string) (sourceID, actionID string, ok bool) {
	sourceID, actionID, ok = strings.Cut(name, ".")
	return sourceID, actionID, ok && sourceID != "" && actionID != ""
}
