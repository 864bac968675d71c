package tool

import (
	"context"
	"encoding/json"
	"regexp"
	"sort"
	"strings"

	"github.com/tidwall/gjson"
	"github.com/zulandar/switchboard/internal/models"
	"github.com/zulandar/switchboard/internal/variable"
)

var indexSuffix = regexp.MustCompile(`\[(\d+)\]`)

// GJSONPath converts the supported JSON path subset ($.a.b, items[0].id)
// to gjson syntax.
func GJSONPath(path string) string {
	path = strings.TrimSpace(path)
	path = strings.TrimPrefix(path, "$")
	path = strings.TrimPrefix(path, ".")
	return indexSuffix.ReplaceAllString(path, ".$1")
}

// Extract evaluates path against a JSON document.
func Extract(body, path string) (string, bool) {
	if !gjson.Valid(body) {
		return "", false
	}
	p := GJSONPath(path)
	if p == "" {
		return body, true
	}
	r := gjson.Get(body, p)
	if !r.Exists() {
		return "", false
	}
	return r.String(), true
}

// applyMappings writes response values to the ticket's variables.
func (e *Executor) applyMappings(ctx context.Context, t *models.Tool, ticketID string, res *Result) error {
	if len(t.ResponseMappings) == 0 || res.Output == "" {
		return nil
	}
	var mappings map[string]string
	if err := json.Unmarshal(t.ResponseMappings, &mappings); err != nil {
		e.log.Warn("tool response mappings are invalid", "tool", t.Name, "err", err)
		return nil
	}
	names := make([]string, 0, len(mappings))
	for name := range mappings {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		val, ok := Extract(res.Output, mappings[name])
		if !ok {
			continue
		}
		if err := variable.Set(e.db.WithContext(ctx), ticketID, name, val, variable.MethodTool); err != nil {
			return err
		}
		if res.Mapped == nil {
			res.Mapped = map[string]string{}
		}
		res.Mapped[name] = val
	}
	return nil
}
