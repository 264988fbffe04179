package util

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/oliveagle/jsonpath"
)

var tokenRe = regexp.MustCompile("{(.*?)}")

// ResolveInputParams substitutes `{$.path}` tokens in a Task state's
// declared parameters against the merged upstream output document. Values
// without tokens pass through untouched.
func ResolveInputParams(data map[string]any, inputParams map[string]any) map[string]any {
	output := make(map[string]any)
	resolveParams(data, inputParams, output)
	return output
}

func resolveParams(data map[string]any, params map[string]any, output map[string]any) {
	for k, v := range params {
		switch val := v.(type) {
		case map[string]any:
			out := make(map[string]any)
			output[k] = out
			resolveParams(data, val, out)
		case string:
			output[k] = resolveString(data, val)
		case []any:
			output[k] = resolveList(data, val)
		default:
			output[k] = v
		}
	}
}

func resolveList(data map[string]any, list []any) []any {
	var output []any
	for _, v := range list {
		switch val := v.(type) {
		case map[string]any:
			out := make(map[string]any)
			output = append(output, out)
			resolveParams(data, val, out)
		case string:
			output = append(output, resolveString(data, val))
		case []any:
			output = append(output, resolveList(data, val)...)
		default:
			output = append(output, v)
		}
	}
	return output
}

func resolveString(data map[string]any, in string) any {
	tokens := tokenRe.FindAllString(in, -1)
	if len(tokens) == 0 {
		return in
	}
	// a value that is exactly one token keeps its original type
	if len(tokens) == 1 && tokens[0] == in {
		expr := strings.Trim(in, "{}")
		if strings.HasPrefix(expr, "$") {
			value, err := jsonpath.JsonPathLookup(data, expr)
			if err == nil {
				return value
			}
		}
		return in
	}
	out := in
	for _, token := range tokens {
		expr := strings.Trim(token, "{}")
		if !strings.HasPrefix(expr, "$") {
			continue
		}
		value, err := jsonpath.JsonPathLookup(data, expr)
		if err != nil {
			continue
		}
		out = strings.ReplaceAll(out, token, fmt.Sprintf("%v", value))
	}
	return out
}
