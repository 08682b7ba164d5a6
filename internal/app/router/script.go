package router

import (
	"fmt"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/dop251/goja"

	"github.com/coachpo/fieldcare/internal/observability"
)

const scriptTimeout = 50 * time.Millisecond

// scriptRequest is the view of a request exposed to classify().
type scriptRequest struct {
	Method string `json:"method"`
	Path   string `json:"path"`
	Query  string `json:"query"`
	Accept string `json:"accept"`
	Mode   string `json:"mode"`
}

// ScriptClassifier lets an operator override classification with a JavaScript
// function `classify(request)` returning a policy name. An empty, unknown or
// failing result defers to the fallback classifier.
type ScriptClassifier struct {
	mu       sync.Mutex
	rt       *goja.Runtime
	classify goja.Callable
	fallback Classifier
	logger   observability.Logger
	timeout  time.Duration
}

// LoadScriptClassifier compiles the script at path.
func LoadScriptClassifier(path string, fallback Classifier, logger observability.Logger) (*ScriptClassifier, error) {
	source, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("classifier script: read %s: %w", path, err)
	}
	return NewScriptClassifier(path, string(source), fallback, logger)
}

// NewScriptClassifier compiles source and resolves its classify function.
func NewScriptClassifier(name, source string, fallback Classifier, logger observability.Logger) (*ScriptClassifier, error) {
	if fallback == nil {
		return nil, fmt.Errorf("classifier script: fallback classifier required")
	}
	prog, err := goja.Compile(name, source, true)
	if err != nil {
		return nil, fmt.Errorf("classifier script: compile %s: %w", name, err)
	}
	rt := goja.New()
	rt.SetFieldNameMapper(goja.TagFieldNameMapper("json", true))
	if _, err := rt.RunProgram(prog); err != nil {
		return nil, fmt.Errorf("classifier script: execute %s: %w", name, err)
	}
	value := rt.Get("classify")
	if value == nil || goja.IsUndefined(value) || goja.IsNull(value) {
		return nil, fmt.Errorf("classifier script: %s does not define classify", name)
	}
	fn, ok := goja.AssertFunction(value)
	if !ok {
		return nil, fmt.Errorf("classifier script: classify in %s is not callable", name)
	}
	return &ScriptClassifier{
		rt:       rt,
		classify: fn,
		fallback: fallback,
		logger:   observability.Or(logger),
		timeout:  scriptTimeout,
	}, nil
}

func (s *ScriptClassifier) Classify(r *http.Request) Policy {
	req := scriptRequest{
		Method: r.Method,
		Path:   r.URL.Path,
		Query:  r.URL.RawQuery,
		Accept: r.Header.Get("Accept"),
		Mode:   r.Header.Get("Sec-Fetch-Mode"),
	}

	s.mu.Lock()
	interrupted := make(chan struct{})
	timer := time.AfterFunc(s.timeout, func() {
		s.rt.Interrupt("classify timeout")
		close(interrupted)
	})
	res, err := s.classify(goja.Undefined(), s.rt.ToValue(req))
	if !timer.Stop() {
		// The interrupt is in flight; let it land before clearing it.
		<-interrupted
	}
	s.rt.ClearInterrupt()
	s.mu.Unlock()

	if err != nil {
		s.logger.Error("classifier script failed", observability.F("path", req.Path), observability.F("err", err))
		return s.fallback.Classify(r)
	}
	if res == nil || goja.IsUndefined(res) || goja.IsNull(res) {
		return s.fallback.Classify(r)
	}
	name := strings.TrimSpace(res.String())
	if name == "" {
		return s.fallback.Classify(r)
	}
	policy, ok := ParsePolicy(name)
	if !ok {
		s.logger.Error("classifier script returned unknown policy", observability.F("policy", name))
		return s.fallback.Classify(r)
	}
	if policy != PolicyPassthrough && r.Method != http.MethodGet && r.Method != http.MethodHead {
		// Writes are never cached, whatever the script says.
		return PolicyPassthrough
	}
	return policy
}
