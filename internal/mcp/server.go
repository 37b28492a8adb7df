// Package mcp exposes the engine's inbound operations as MCP tools so an
// assistant or integration can submit readings and work incidents.
package mcp

import (
	"context"
	"fmt"
	"time"

	gomcp "github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/shopspring/decimal"

	"github.com/roach88/coldtrace/internal/engine"
	"github.com/roach88/coldtrace/internal/record"
)

// Engine is the subset of the engine the tools call.
type Engine interface {
	IngestReading(ctx context.Context, in engine.ReadingInput) (engine.IngestResult, error)
	GetOpenIncidents(ctx context.Context, facilityID string) ([]record.Incident, error)
	TransitionIncident(ctx context.Context, in engine.TransitionInput) (record.Incident, error)
	GetDeviationEvents(ctx context.Context, facilityID string, from, to time.Time) ([]record.DeviationEvent, error)
}

// Server wraps an engine and exposes it as MCP tools.
type Server struct {
	server *gomcp.Server
	engine Engine
}

// NewServer creates an MCP server backed by eng.
func NewServer(eng Engine, version string) *Server {
	if version == "" {
		version = "dev"
	}

	s := &Server{engine: eng}
	s.server = gomcp.NewServer(
		&gomcp.Implementation{Name: "coldtrace", Version: version},
		nil,
	)
	s.registerTools()
	return s
}

// Run serves over stdio until the client disconnects or ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	return s.server.Run(ctx, &gomcp.StdioTransport{})
}

// MCPServer returns the underlying server, for tests and other transports.
func (s *Server) MCPServer() *gomcp.Server {
	return s.server
}

// --- Tool input/output types ---

type ingestReadingInput struct {
	FacilityID string `json:"facility_id" jsonschema:"required,the facility the sensor belongs to"`
	Metric     string `json:"metric,omitempty" jsonschema:"temperature (default) or humidity"`
	Timestamp  string `json:"timestamp" jsonschema:"required,RFC 3339 measurement time"`
	Value      string `json:"value" jsonschema:"required,decimal reading value, e.g. 5.4"`
	Unit       string `json:"unit,omitempty" jsonschema:"C, F, K or %RH; defaults to the threshold unit"`
}

type readingOutput struct {
	ID         string `json:"id"`
	FacilityID string `json:"facility_id"`
	Metric     string `json:"metric"`
	Timestamp  string `json:"timestamp"`
	Value      string `json:"value"`
	Unit       string `json:"unit"`
}

type ingestReadingOutput struct {
	Reading     readingOutput     `json:"reading"`
	Duplicate   bool              `json:"duplicate"`
	Deviations  []deviationOutput `json:"deviations"`
	IncidentIDs []string          `json:"incident_ids"`
}

type deviationOutput struct {
	ID            string `json:"id"`
	FacilityID    string `json:"facility_id"`
	Metric        string `json:"metric"`
	Kind          string `json:"kind"`
	Start         string `json:"start"`
	End           string `json:"end"`
	Duration      string `json:"duration"`
	Direction     string `json:"direction"`
	Min           string `json:"min"`
	Max           string `json:"max"`
	Mean          string `json:"mean"`
	MaxExcursion  string `json:"max_excursion"`
	Severity      string `json:"severity"`
	RuleID        string `json:"rule_id"`
	ConfigVersion string `json:"config_version"`
	Source        string `json:"source"`
	ReadingCount  int    `json:"reading_count"`
}

type getOpenIncidentsInput struct {
	FacilityID string `json:"facility_id,omitempty" jsonschema:"limit to one facility; all facilities when empty"`
}

type incidentOutput struct {
	ID           string   `json:"id"`
	FacilityID   string   `json:"facility_id"`
	Metric       string   `json:"metric,omitempty"`
	Type         string   `json:"type"`
	State        string   `json:"state"`
	Severity     string   `json:"severity"`
	DeviationIDs []string `json:"deviation_ids"`
	OpenedAt     string   `json:"opened_at"`
	Version      int      `json:"version"`
}

type incidentListOutput struct {
	Incidents []incidentOutput `json:"incidents"`
	Count     int              `json:"count"`
}

type transitionIncidentInput struct {
	IncidentID         string   `json:"incident_id" jsonschema:"required,the incident to update"`
	Transition         string   `json:"transition" jsonschema:"required,begin_investigation, plan_corrective_action, resolve or close_without_action"`
	Actor              string   `json:"actor" jsonschema:"required,who is making the change"`
	Note               string   `json:"note" jsonschema:"required,findings, plan, resolution notes or closure reason"`
	PreventiveMeasures []string `json:"preventive_measures,omitempty" jsonschema:"preventive measures, plan_corrective_action only"`
}

type getDeviationEventsInput struct {
	FacilityID string `json:"facility_id" jsonschema:"required,the facility to query"`
	From       string `json:"from,omitempty" jsonschema:"RFC 3339 start of range; open when empty"`
	To         string `json:"to,omitempty" jsonschema:"RFC 3339 end of range; open when empty"`
}

type deviationListOutput struct {
	Deviations []deviationOutput `json:"deviations"`
	Count      int               `json:"count"`
}

// --- Tool registration ---

func (s *Server) registerTools() {
	gomcp.AddTool(s.server, &gomcp.Tool{
		Name:        "ingest_reading",
		Description: "Submit one sensor reading. Returns the stored reading and any deviations and incidents it caused. Readings of a stream must arrive in timestamp order.",
	}, s.handleIngestReading)

	gomcp.AddTool(s.server, &gomcp.Tool{
		Name:        "get_open_incidents",
		Description: "List incidents that are not resolved or closed, oldest first.",
	}, s.handleGetOpenIncidents)

	gomcp.AddTool(s.server, &gomcp.Tool{
		Name:        "transition_incident",
		Description: "Move an incident through its lifecycle: open -> investigating -> corrective_action_planned -> resolved, or close_without_action from open or investigating.",
	}, s.handleTransitionIncident)

	gomcp.AddTool(s.server, &gomcp.Tool{
		Name:        "get_deviation_events",
		Description: "List recorded excursions and monitoring gaps of a facility overlapping a time range.",
	}, s.handleGetDeviationEvents)
}

// --- Tool handlers ---

func (s *Server) handleIngestReading(ctx context.Context, _ *gomcp.CallToolRequest, input ingestReadingInput) (*gomcp.CallToolResult, ingestReadingOutput, error) {
	ts, err := parseTime("timestamp", input.Timestamp)
	if err != nil {
		return errorResult(err.Error()), ingestReadingOutput{}, nil
	}
	if ts.IsZero() {
		return errorResult("timestamp is required"), ingestReadingOutput{}, nil
	}
	value, err := decimal.NewFromString(input.Value)
	if err != nil {
		return errorResult(fmt.Sprintf("value %q is not a decimal number", input.Value)), ingestReadingOutput{}, nil
	}

	res, err := s.engine.IngestReading(ctx, engine.ReadingInput{
		FacilityID: input.FacilityID,
		Metric:     record.Metric(input.Metric),
		Timestamp:  ts,
		Value:      value,
		Unit:       record.Unit(input.Unit),
	})
	if err != nil {
		return errorResult(err.Error()), ingestReadingOutput{}, nil
	}

	out := ingestReadingOutput{
		Reading:     readingToOutput(res.Reading),
		Duplicate:   res.Duplicate,
		Deviations:  deviationsToOutput(res.Deviations),
		IncidentIDs: res.IncidentIDs,
	}
	if out.IncidentIDs == nil {
		out.IncidentIDs = []string{}
	}
	return nil, out, nil
}

func (s *Server) handleGetOpenIncidents(ctx context.Context, _ *gomcp.CallToolRequest, input getOpenIncidentsInput) (*gomcp.CallToolResult, incidentListOutput, error) {
	incs, err := s.engine.GetOpenIncidents(ctx, input.FacilityID)
	if err != nil {
		return errorResult(err.Error()), incidentListOutput{}, nil
	}

	out := incidentListOutput{Incidents: make([]incidentOutput, len(incs)), Count: len(incs)}
	for i, inc := range incs {
		out.Incidents[i] = incidentToOutput(inc)
	}
	return nil, out, nil
}

func (s *Server) handleTransitionIncident(ctx context.Context, _ *gomcp.CallToolRequest, input transitionIncidentInput) (*gomcp.CallToolResult, incidentOutput, error) {
	if input.IncidentID == "" {
		return errorResult("incident_id is required"), incidentOutput{}, nil
	}

	inc, err := s.engine.TransitionIncident(ctx, engine.TransitionInput{
		IncidentID:         input.IncidentID,
		Transition:         input.Transition,
		Actor:              input.Actor,
		Note:               input.Note,
		PreventiveMeasures: input.PreventiveMeasures,
	})
	if err != nil {
		return errorResult(err.Error()), incidentOutput{}, nil
	}
	return nil, incidentToOutput(inc), nil
}

func (s *Server) handleGetDeviationEvents(ctx context.Context, _ *gomcp.CallToolRequest, input getDeviationEventsInput) (*gomcp.CallToolResult, deviationListOutput, error) {
	if input.FacilityID == "" {
		return errorResult("facility_id is required"), deviationListOutput{}, nil
	}
	from, err := parseTime("from", input.From)
	if err != nil {
		return errorResult(err.Error()), deviationListOutput{}, nil
	}
	to, err := parseTime("to", input.To)
	if err != nil {
		return errorResult(err.Error()), deviationListOutput{}, nil
	}

	evs, err := s.engine.GetDeviationEvents(ctx, input.FacilityID, from, to)
	if err != nil {
		return errorResult(err.Error()), deviationListOutput{}, nil
	}
	out := deviationsToOutput(evs)
	return nil, deviationListOutput{Deviations: out, Count: len(out)}, nil
}

// --- Helpers ---

func readingToOutput(r record.Reading) readingOutput {
	return readingOutput{
		ID:         r.ID,
		FacilityID: r.FacilityID,
		Metric:     string(r.Metric),
		Timestamp:  r.Timestamp.UTC().Format(time.RFC3339Nano),
		Value:      r.Value.String(),
		Unit:       string(r.Unit),
	}
}

func deviationsToOutput(evs []record.DeviationEvent) []deviationOutput {
	out := make([]deviationOutput, len(evs))
	for i, ev := range evs {
		out[i] = deviationOutput{
			ID:            ev.ID,
			FacilityID:    ev.FacilityID,
			Metric:        string(ev.Metric),
			Kind:          string(ev.Kind),
			Start:         ev.Start.UTC().Format(time.RFC3339Nano),
			End:           ev.End.UTC().Format(time.RFC3339Nano),
			Duration:      ev.Duration.String(),
			Direction:     string(ev.Direction),
			Min:           ev.Min.String(),
			Max:           ev.Max.String(),
			Mean:          ev.Mean.String(),
			MaxExcursion:  ev.MaxExcursion.String(),
			Severity:      ev.Severity.Level,
			RuleID:        ev.RuleID,
			ConfigVersion: ev.ConfigVersion,
			Source:        string(ev.Source),
			ReadingCount:  len(ev.ReadingIDs),
		}
	}
	return out
}

func incidentToOutput(inc record.Incident) incidentOutput {
	ids := inc.DeviationIDs
	if ids == nil {
		ids = []string{}
	}
	return incidentOutput{
		ID:           inc.ID,
		FacilityID:   inc.FacilityID,
		Metric:       string(inc.Metric),
		Type:         string(inc.Type),
		State:        string(inc.State),
		Severity:     inc.Severity.Level,
		DeviationIDs: ids,
		OpenedAt:     inc.OpenedAt.UTC().Format(time.RFC3339),
		Version:      inc.Version,
	}
}

func errorResult(msg string) *gomcp.CallToolResult {
	return &gomcp.CallToolResult{
		Content: []gomcp.Content{&gomcp.TextContent{Text: msg}},
		IsError: true,
	}
}

// parseTime parses an optional RFC 3339 field. Empty gives the zero time.
func parseTime(field, s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("%s %q is not an RFC 3339 timestamp", field, s)
	}
	return t.UTC(), nil
}
