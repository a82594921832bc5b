// Package crmtools exposes the CRM backend as callable model tools.
package crmtools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/Henmir-HN/crm-henmir/internal/httpkit"
)

// ErrUnknownTool is returned when the model requests a tool that is
// not registered.
var ErrUnknownTool = errors.New("unknown tool")

// Tool names the model can request.
const (
	ToolSearchVacancies      = "search_vacancies_tool"
	ToolListAllVacancies     = "list_all_vacancies_tool"
	ToolVacancyDetails       = "get_vacancy_details_tool"
	ToolValidateRegistration = "validate_registration_tool"
	ToolCandidateStatus      = "get_candidate_status_tool"
)

// Tool describes one CRM-backed tool.
type Tool struct {
	Name        string
	Description string
	Parameters  map[string]any
	Endpoint    string // CRM path, e.g. /api/bot_tools/vacancies
}

// Result is the outcome of a successful tool call. Payload is the CRM
// response body verbatim; it is handed to the model without rewriting.
type Result struct {
	Payload string
	// Empty reports that the payload carries no catalogue entries.
	// Drives the fallback path for vacancy searches.
	Empty bool
	// Identity is set when a registration check confirmed an
	// affiliate; it holds the validated identity number.
	Identity string
}

// Gateway dispatches tool calls against the CRM backend.
type Gateway struct {
	baseURL string
	apiKey  string
	httpc   *http.Client
	logger  *slog.Logger
	tools   map[string]*Tool
}

// New creates a gateway for the CRM at baseURL. apiKey is sent as
// X-API-Key on every request.
func New(baseURL, apiKey string, timeout time.Duration, logger *slog.Logger) *Gateway {
	if logger == nil {
		logger = slog.Default()
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	g := &Gateway{
		baseURL: baseURL,
		apiKey:  apiKey,
		httpc:   httpkit.NewClient(timeout, logger),
		logger:  logger,
		tools:   make(map[string]*Tool),
	}
	g.registerBuiltins()
	return g
}

func (g *Gateway) registerBuiltins() {
	g.register(&Tool{
		Name:        ToolSearchVacancies,
		Description: "Busca vacantes de empleo activas por palabra clave o ciudad. Úsala cuando el usuario pregunte por trabajos o puestos específicos.",
		Endpoint:    "/api/bot_tools/vacancies",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"keyword": map[string]any{
					"type":        "string",
					"description": "Palabra clave del puesto buscado (ej: cajero, bodeguero, atención al cliente)",
				},
				"location": map[string]any{
					"type":        "string",
					"description": "Ciudad donde busca empleo (ej: Tegucigalpa, San Pedro Sula)",
				},
			},
			"required": []string{"keyword"},
		},
	})

	g.register(&Tool{
		Name:        ToolListAllVacancies,
		Description: "Devuelve el catálogo completo de vacantes activas, sin filtros. Úsala solo cuando una búsqueda específica no dio resultados.",
		Endpoint:    "/api/bot_tools/vacancies",
		Parameters: map[string]any{
			"type":       "object",
			"properties": map[string]any{},
		},
	})

	g.register(&Tool{
		Name:        ToolVacancyDetails,
		Description: "Obtiene los detalles completos de una vacante (requisitos, horario, ubicación) a partir de su identificador.",
		Endpoint:    "/api/bot_tools/vacancy_details",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"vacancy_id": map[string]any{
					"type":        "string",
					"description": "Identificador de la vacante",
				},
			},
			"required": []string{"vacancy_id"},
		},
	})

	g.register(&Tool{
		Name:        ToolValidateRegistration,
		Description: "Verifica si una persona ya está registrada como afiliada usando su número de identidad. Úsala cuando el usuario proporcione su identidad.",
		Endpoint:    "/api/bot_tools/validate_registration",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"identity_number": map[string]any{
					"type":        "string",
					"description": "Número de identidad del usuario (13 dígitos)",
				},
				"full_name": map[string]any{
					"type":        "string",
					"description": "Nombre completo del usuario, si lo proporcionó",
				},
			},
			"required": []string{"identity_number"},
		},
	})

	g.register(&Tool{
		Name:        ToolCandidateStatus,
		Description: "Consulta el estado de las postulaciones de un afiliado registrado por su número de identidad.",
		Endpoint:    "/api/bot_tools/candidate_status",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"identity_number": map[string]any{
					"type":        "string",
					"description": "Número de identidad del afiliado",
				},
			},
			"required": []string{"identity_number"},
		},
	})
}

func (g *Gateway) register(t *Tool) {
	g.tools[t.Name] = t
}

// Specs returns the tool definitions in the model's function-calling
// format.
func (g *Gateway) Specs() []openai.Tool {
	names := []string{
		ToolSearchVacancies,
		ToolListAllVacancies,
		ToolVacancyDetails,
		ToolValidateRegistration,
		ToolCandidateStatus,
	}

	specs := make([]openai.Tool, 0, len(names))
	for _, name := range names {
		t := g.tools[name]
		specs = append(specs, openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  t.Parameters,
			},
		})
	}
	return specs
}

// Call executes one tool against the CRM. Arguments become query
// parameters on a GET request. Transport failures and non-2xx CRM
// responses are returned as errors; the payload of a successful call
// is never altered.
func (g *Gateway) Call(ctx context.Context, name string, args map[string]any) (*Result, error) {
	t, ok := g.tools[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTool, name)
	}

	u, err := url.Parse(g.baseURL + t.Endpoint)
	if err != nil {
		return nil, fmt.Errorf("build tool URL: %w", err)
	}
	q := u.Query()
	for k, v := range args {
		q.Set(k, fmt.Sprint(v))
	}
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("X-API-Key", g.apiKey)
	req.Header.Set("Accept", "application/json")

	start := time.Now()
	resp, err := g.httpc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("crm request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read crm response: %w", err)
	}

	g.logger.Debug("tool call",
		"tool", name,
		"status", resp.StatusCode,
		"duration_ms", time.Since(start).Milliseconds())

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("crm returned status %d for %s", resp.StatusCode, name)
	}

	res := &Result{Payload: string(body)}
	res.Empty = looksEmpty(body)

	// Identity-bearing tools promote the chat to identified status.
	switch name {
	case ToolValidateRegistration:
		if !res.Empty {
			res.Identity = confirmedIdentity(body, args)
		}
	case ToolCandidateStatus:
		// A non-empty status lookup means the CRM recognized the
		// affiliate.
		if !res.Empty && !carriesError(body) {
			res.Identity, _ = args["identity_number"].(string)
		}
	}
	return res, nil
}

// carriesError reports whether a JSON object payload contains an
// error field.
func carriesError(body []byte) bool {
	var parsed map[string]any
	if err := json.Unmarshal(body, &parsed); err != nil {
		return false
	}
	_, ok := parsed["error"]
	return ok
}

// looksEmpty reports whether a JSON payload carries no entries: an
// empty array, null, or an object whose list field is empty.
func looksEmpty(body []byte) bool {
	var v any
	if err := json.Unmarshal(body, &v); err != nil {
		return len(body) == 0
	}

	switch t := v.(type) {
	case nil:
		return true
	case []any:
		return len(t) == 0
	case map[string]any:
		for _, key := range []string{"vacancies", "results", "data"} {
			if raw, ok := t[key]; ok {
				arr, isArr := raw.([]any)
				return isArr && len(arr) == 0
			}
		}
		return len(t) == 0
	}
	return false
}

// confirmedIdentity returns the validated identity number when the CRM
// confirmed a registration, or "" otherwise.
func confirmedIdentity(body []byte, args map[string]any) string {
	var parsed map[string]any
	if err := json.Unmarshal(body, &parsed); err != nil {
		return ""
	}

	confirmed := false
	for _, key := range []string{"valid", "registered", "success"} {
		if b, ok := parsed[key].(bool); ok && b {
			confirmed = true
			break
		}
	}
	if !confirmed {
		return ""
	}

	if id, ok := args["identity_number"].(string); ok {
		return id
	}
	return ""
}
