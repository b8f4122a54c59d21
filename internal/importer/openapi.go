package importer

import (
	"encoding/json"
	"fmt"
	"net/http"
	"regexp"
	"sort"
	"strings"

	"github.com/getkin/kin-openapi/openapi3"
	"github.com/prasenjit/go-mockengine/internal/models"
)

// Importer seeds rules from an OpenAPI 3 document
type Importer struct{}

// New creates a new OpenAPI importer
func New() *Importer {
	return &Importer{}
}

// Options controls how operations become rules
type Options struct {
	ProjectID     string `json:"projectId"`
	EnvironmentID string `json:"environmentId"`
	BasePath      string `json:"basePath"`
	Priority      int    `json:"priority"` // defaults to 100
	Enabled       bool   `json:"enabled"`
}

// Result is the outcome of an import
type Result struct {
	Title   string                   `json:"title"`
	Version string                   `json:"version"`
	Rules   []models.CreateRuleInput `json:"rules"`
}

var methodOrder = []string{
	http.MethodGet, http.MethodPost, http.MethodPut, http.MethodPatch,
	http.MethodDelete, http.MethodHead, http.MethodOptions,
}

// paramPattern matches an OpenAPI path template parameter like {id}
var paramPattern = regexp.MustCompile(`\{([^}/]+)\}`)

// Import parses content (YAML or JSON) and returns one rule input per
// operation. Literal paths become Simple rules; templated paths become
// Regex rules whose named groups carry the path parameters. Literal paths
// get a higher priority so /users/me wins over /users/{id}.
func (i *Importer) Import(content string, opts Options) (*Result, error) {
	loader := openapi3.NewLoader()
	loader.IsExternalRefsAllowed = false

	doc, err := loader.LoadFromData([]byte(content))
	if err != nil {
		return nil, fmt.Errorf("failed to parse OpenAPI document: %w", err)
	}

	if err := doc.Validate(loader.Context); err != nil {
		return nil, fmt.Errorf("invalid OpenAPI document: %w", err)
	}

	priority := opts.Priority
	if priority <= 0 {
		priority = 100
	}
	basePath := normalizeBasePath(opts.BasePath)

	result := &Result{Rules: make([]models.CreateRuleInput, 0)}
	if doc.Info != nil {
		result.Title = doc.Info.Title
		result.Version = doc.Info.Version
	}
	if doc.Paths == nil {
		return result, nil
	}

	paths := doc.Paths.Map()
	keys := make([]string, 0, len(paths))
	for k := range paths {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, pathTemplate := range keys {
		item := paths[pathTemplate]
		if item == nil {
			continue
		}

		for _, method := range methodOrder {
			op := item.GetOperation(method)
			if op == nil {
				continue
			}
			result.Rules = append(result.Rules, buildRule(opts, basePath, pathTemplate, method, op, priority))
		}
	}

	return result, nil
}

func buildRule(opts Options, basePath, pathTemplate, method string, op *openapi3.Operation, priority int) models.CreateRuleInput {
	fullPath := basePath + pathTemplate

	name := op.OperationID
	if name == "" {
		name = fmt.Sprintf("%s_%s", strings.ToLower(method), sanitizePath(pathTemplate))
	}

	input := models.CreateRuleInput{
		Name:          name,
		ProjectID:     opts.ProjectID,
		EnvironmentID: opts.EnvironmentID,
		Protocol:      models.ProtocolHTTP,
		MatchType:     models.MatchTypeSimple,
		Priority:      priority,
		Enabled:       opts.Enabled,
		Tags:          append([]string{"openapi"}, op.Tags...),
		Description:   op.Summary,
		MatchCondition: models.MatchCondition{
			Method: []string{method},
			Path:   fullPath,
		},
		Response: models.ResponseDefinition{
			Type:    models.ResponseTypeStatic,
			Content: exampleResponse(op),
		},
	}

	if paramPattern.MatchString(fullPath) {
		input.MatchType = models.MatchTypeRegex
		input.MatchCondition.Path = PathRegex(fullPath)
		if priority > 1 {
			input.Priority = priority - 1
		}
	}

	return input
}

// PathRegex turns an OpenAPI path template into a pattern with one named
// group per parameter. Parameter names that are not valid group names fall
// back to unnamed groups.
func PathRegex(template string) string {
	var b strings.Builder
	last := 0
	for _, loc := range paramPattern.FindAllStringSubmatchIndex(template, -1) {
		b.WriteString(regexp.QuoteMeta(template[last:loc[0]]))
		name := template[loc[2]:loc[3]]
		if validGroupName(name) {
			b.WriteString("(?P<" + name + ">[^/]+)")
		} else {
			b.WriteString("([^/]+)")
		}
		last = loc[1]
	}
	b.WriteString(regexp.QuoteMeta(template[last:]))
	return b.String()
}

var groupName = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

func validGroupName(name string) bool {
	return groupName.MatchString(name)
}

// exampleResponse picks the first documented success response and its
// example body. Operations without one answer 200 with an empty body.
func exampleResponse(op *openapi3.Operation) models.ResponseContent {
	fallback := models.ResponseContent{StatusCode: http.StatusOK}
	if op.Responses == nil {
		return fallback
	}

	for _, statusCode := range []int{200, 201, 202, 204} {
		response := op.Responses.Status(statusCode)
		if response == nil || response.Value == nil {
			continue
		}

		content := models.ResponseContent{
			StatusCode: statusCode,
			Headers:    make(map[string]string),
		}

		for name, header := range response.Value.Headers {
			if header.Value != nil && header.Value.Example != nil {
				content.Headers[name] = fmt.Sprintf("%v", header.Value.Example)
			}
		}

		mediaTypes := make([]string, 0, len(response.Value.Content))
		for mediaType := range response.Value.Content {
			mediaTypes = append(mediaTypes, mediaType)
		}
		sort.Strings(mediaTypes)

		for _, mediaType := range mediaTypes {
			media := response.Value.Content[mediaType]
			contentType, ok := contentTypeOf(mediaType)
			if !ok {
				continue
			}
			content.ContentType = contentType
			content.Headers["Content-Type"] = mediaType
			content.Body = exampleBody(media)
			break
		}

		return content
	}

	return fallback
}

func exampleBody(media *openapi3.MediaType) string {
	if media == nil {
		return ""
	}
	if media.Example != nil {
		return formatExample(media.Example)
	}
	if len(media.Examples) > 0 {
		names := make([]string, 0, len(media.Examples))
		for name := range media.Examples {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			if ex := media.Examples[name]; ex != nil && ex.Value != nil && ex.Value.Value != nil {
				return formatExample(ex.Value.Value)
			}
		}
	}
	if media.Schema != nil && media.Schema.Value != nil {
		return exampleFromSchema(media.Schema.Value)
	}
	return ""
}

func contentTypeOf(mediaType string) (models.ContentType, bool) {
	switch {
	case strings.Contains(mediaType, "json"):
		return models.ContentTypeJSON, true
	case strings.Contains(mediaType, "xml"):
		return models.ContentTypeXML, true
	case strings.HasPrefix(mediaType, "text/html"):
		return models.ContentTypeHTML, true
	case strings.HasPrefix(mediaType, "text/"):
		return models.ContentTypeText, true
	}
	return "", false
}

// formatExample converts an example value to a JSON string
func formatExample(v interface{}) string {
	switch val := v.(type) {
	case string:
		return val
	case []byte:
		return string(val)
	default:
		if data, err := json.Marshal(val); err == nil {
			return string(data)
		}
		return fmt.Sprintf("%v", val)
	}
}

// exampleFromSchema generates a placeholder value from a schema
func exampleFromSchema(schema *openapi3.Schema) string {
	if schema.Example != nil {
		return formatExample(schema.Example)
	}
	if schema.Type == nil || len(schema.Type.Slice()) == 0 {
		return "null"
	}

	switch schema.Type.Slice()[0] {
	case "object":
		return "{}"
	case "array":
		return "[]"
	case "string":
		return `"string"`
	case "integer":
		return "0"
	case "number":
		return "0.0"
	case "boolean":
		return "false"
	}
	return "null"
}

// normalizeBasePath ensures the base path is properly formatted
func normalizeBasePath(basePath string) string {
	if basePath == "" {
		return ""
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	return strings.TrimSuffix(basePath, "/")
}

// sanitizePath converts a path to a valid identifier
func sanitizePath(pathTemplate string) string {
	result := strings.NewReplacer("{", "", "}", "", "/", "_").Replace(pathTemplate)
	return strings.Trim(result, "_")
}
