package llmclient

import (
	"regexp"
	"strings"

	"github.com/google/uuid"
	"google.golang.org/genai"

	"github.com/xkilldash9x/steersman/api/schemas"
)

// toFunctionDeclarations converts catalog descriptors into the function
// declarations the Gemini tool-call decode expects.
func toFunctionDeclarations(tools []schemas.ToolDescriptor) []*genai.FunctionDeclaration {
	decls := make([]*genai.FunctionDeclaration, 0, len(tools))
	for _, t := range tools {
		decls = append(decls, &genai.FunctionDeclaration{
			Name:        t.Name,
			Description: t.Description,
			Parameters:  argSchema(t.Args),
		})
	}
	return decls
}

func argSchema(args map[string]schemas.ArgSpec) *genai.Schema {
	if len(args) == 0 {
		return &genai.Schema{Type: genai.TypeObject}
	}

	properties := make(map[string]*genai.Schema, len(args))
	var required []string
	for name, spec := range args {
		properties[name] = &genai.Schema{
			Type:        genaiType(spec.Type),
			Description: spec.Description,
		}
		if spec.Required {
			required = append(required, name)
		}
	}
	return &genai.Schema{
		Type:       genai.TypeObject,
		Properties: properties,
		Required:   required,
	}
}

func genaiType(t string) genai.Type {
	switch t {
	case "number":
		return genai.TypeNumber
	case "boolean":
		return genai.TypeBoolean
	case "object":
		return genai.TypeObject
	case "array":
		return genai.TypeArray
	default:
		return genai.TypeString
	}
}

// fromFunctionCalls maps provider function calls onto ToolCalls, assigning ids
// where the provider left them blank.
func fromFunctionCalls(calls []*genai.FunctionCall) []schemas.ToolCall {
	out := make([]schemas.ToolCall, 0, len(calls))
	for _, fc := range calls {
		if fc == nil {
			continue
		}
		id := fc.ID
		if id == "" {
			id = uuid.NewString()
		}
		out = append(out, schemas.ToolCall{ID: id, Name: fc.Name, Args: fc.Args})
	}
	return out
}

// jsonBlockRegex extracts a JSON object from a markdown code fence.
var jsonBlockRegex = regexp.MustCompile("(?s)```(?:json)?\\s*(.*?)\\s*```")

// ExtractJSON pulls the JSON payload out of a model reply, tolerating markdown
// fences and conversational framing around the object.
func ExtractJSON(response string) string {
	response = strings.TrimSpace(response)

	if matches := jsonBlockRegex.FindStringSubmatch(response); len(matches) > 1 {
		return strings.TrimSpace(matches[1])
	}

	first := strings.IndexAny(response, "{[")
	if first == -1 {
		return response
	}
	var last int
	if response[first] == '{' {
		last = strings.LastIndex(response, "}")
	} else {
		last = strings.LastIndex(response, "]")
	}
	if last > first {
		return response[first : last+1]
	}
	return response
}
