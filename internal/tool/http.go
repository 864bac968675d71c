package tool

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/google/uuid"
	"github.com/zulandar/switchboard/internal/models"
	"github.com/zulandar/switchboard/internal/secret"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
)

// Auth types.
const (
	AuthNone   = "none"
	AuthBearer = "bearer"
	AuthAPIKey = "api_key"
	AuthBasic  = "basic"
	AuthOAuth2 = "oauth2"
)

// idempotencyNamespace scopes Idempotency-Key UUIDs to tool calls.
var idempotencyNamespace = uuid.MustParse("8f8e3c0a-58a4-4d3e-9b1e-1f3a3f0b7c21")

var placeholder = regexp.MustCompile(`\{\{\s*([\w.-]+)\s*\}\}`)

// AuthConfig is the decrypted form of Tool.AuthConfig.
type AuthConfig struct {
	Token        string   `json:"token,omitempty"`
	Key          string   `json:"key,omitempty"`
	Name         string   `json:"name,omitempty"` // header or query parameter for api_key
	In           string   `json:"in,omitempty"`   // "header" (default) or "query"
	Username     string   `json:"username,omitempty"`
	Password     string   `json:"password,omitempty"`
	TokenURL     string   `json:"tokenUrl,omitempty"`
	ClientID     string   `json:"clientId,omitempty"`
	ClientSecret string   `json:"clientSecret,omitempty"`
	Scopes       []string `json:"scopes,omitempty"`
}

// maskedAuth stands in for credentials that could not be decrypted.
func maskedAuth() AuthConfig {
	return AuthConfig{
		Token: secret.Mask, Key: secret.Mask, Password: secret.Mask, ClientSecret: secret.Mask,
		Username: secret.Mask, ClientID: secret.Mask,
	}
}

func (e *Executor) authConfig(t *models.Tool) AuthConfig {
	plain := secret.DecryptOrMask(e.secrets, t.AuthConfig)
	if plain == "" {
		return AuthConfig{}
	}
	if plain == secret.Mask {
		e.log.Warn("tool credentials could not be decrypted", "tool", t.Name)
		return maskedAuth()
	}
	var cfg AuthConfig
	if err := json.Unmarshal([]byte(plain), &cfg); err != nil {
		e.log.Warn("tool credentials are not valid JSON", "tool", t.Name)
		return maskedAuth()
	}
	return cfg
}

// Substitute replaces {{name}} placeholders with values from params.
// Unknown placeholders become empty. escape, when set, is applied to each
// inserted value.
func Substitute(tmpl string, params map[string]any, escape func(string) string) string {
	return placeholder.ReplaceAllStringFunc(tmpl, func(m string) string {
		name := placeholder.FindStringSubmatch(m)[1]
		v, ok := params[name]
		if !ok || v == nil {
			return ""
		}
		s := scalar(v)
		if escape != nil {
			s = escape(s)
		}
		return s
	})
}

func scalar(v any) string {
	switch x := v.(type) {
	case string:
		return x
	case float64, int, int64, bool, json.Number:
		return fmt.Sprint(x)
	default:
		data, err := json.Marshal(x)
		if err != nil {
			return fmt.Sprint(x)
		}
		return string(data)
	}
}

// IdempotencyKey derives a stable key for one tool call of one processing
// attempt. Retries of the same stage send the same key.
func IdempotencyKey(processingID *uint, toolName string, input map[string]any) string {
	var pid uint
	if processingID != nil {
		pid = *processingID
	}
	data, _ := json.Marshal(input)
	return uuid.NewSHA1(idempotencyNamespace, []byte(fmt.Sprintf("%d|%s|%s", pid, toolName, data))).String()
}

func (e *Executor) runHTTP(ctx context.Context, t *models.Tool, input map[string]any, ec ExecContext, res *Result) {
	timeout := e.defaultTimeout
	if t.TimeoutSeconds > 0 {
		timeout = time.Duration(t.TimeoutSeconds) * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	method := strings.ToUpper(t.Method)
	if method == "" {
		method = "GET"
	}
	target := Substitute(t.URL, input, url.PathEscape)
	req := e.http.R().
		SetContext(ctx).
		SetHeader("Idempotency-Key", IdempotencyKey(ec.ProcessingID, t.Name, input))

	var headers map[string]string
	if len(t.Headers) > 0 {
		if err := json.Unmarshal(t.Headers, &headers); err != nil {
			res.Error = fmt.Sprintf("invalid headers: %v", err)
			return
		}
	}
	for k, v := range headers {
		req.SetHeader(k, Substitute(v, input, nil))
	}

	switch {
	case t.BodyTemplate != "":
		req.SetBody(Substitute(t.BodyTemplate, input, nil))
		if req.Header.Get("Content-Type") == "" {
			req.SetHeader("Content-Type", "application/json")
		}
	case method != "GET" && method != "DELETE" && len(input) > 0:
		req.SetBody(input)
	}

	if err := e.applyAuth(ctx, t, req); err != nil {
		res.Error = err.Error()
		return
	}

	resp, err := req.Execute(method, target)
	if err != nil {
		res.Error = fmt.Sprintf("%s %s: %v", method, redact(target), err)
		return
	}
	res.StatusCode = resp.StatusCode()
	res.Output = resp.String()
	res.Success = resp.IsSuccess()
	if !res.Success {
		e.log.Info("tool returned non-2xx", "tool", t.Name, "status", res.StatusCode)
	}
}

func (e *Executor) applyAuth(ctx context.Context, t *models.Tool, req *resty.Request) error {
	switch t.AuthType {
	case "", AuthNone:
		return nil
	case AuthBearer:
		req.SetAuthToken(e.authConfig(t).Token)
	case AuthAPIKey:
		cfg := e.authConfig(t)
		name := cfg.Name
		if name == "" {
			name = "X-API-Key"
		}
		if cfg.In == "query" {
			req.SetQueryParam(name, cfg.Key)
		} else {
			req.SetHeader(name, cfg.Key)
		}
	case AuthBasic:
		cfg := e.authConfig(t)
		req.SetBasicAuth(cfg.Username, cfg.Password)
	case AuthOAuth2:
		cfg := e.authConfig(t)
		cc := clientcredentials.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			TokenURL:     cfg.TokenURL,
			Scopes:       cfg.Scopes,
		}
		tok, err := cc.Token(context.WithValue(ctx, oauth2.HTTPClient, e.http.GetClient()))
		if err != nil {
			return fmt.Errorf("oauth2 token: %v", err)
		}
		req.SetAuthToken(tok.AccessToken)
	default:
		return fmt.Errorf("unsupported auth type %q", t.AuthType)
	}
	return nil
}

// redact drops the query string, which may carry an api key.
func redact(target string) string {
	if i := strings.IndexByte(target, '?'); i >= 0 {
		return target[:i] + "?..."
	}
	return target
}
