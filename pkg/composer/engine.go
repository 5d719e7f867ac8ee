// SPDX-FileCopyrightText: Copyright 2025 Datagate Contributors
// SPDX-License-Identifier: Apache-2.0

// Package composer executes composite endpoint flows: ordered chains of
// upstream calls with value propagation from captured prior results.
package composer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"maps"
	"net/http"
	"slices"
	"strings"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"

	"github.com/datagate-io/datagate/pkg/endpoints"
	"github.com/datagate-io/datagate/pkg/logger"
	"github.com/datagate-io/datagate/pkg/networking"
)

// stepErrorPreviewSize caps how much of an upstream error body is kept on a
// StepError.
const stepErrorPreviewSize = 1024

// EndpointResolver is the slice of the endpoint catalogue the engine needs
// to locate the proxy endpoints that composite steps reference.
type EndpointResolver interface {
	Lookup(kind endpoints.Kind, name string) (*endpoints.Definition, bool)
}

// Engine executes composite endpoint configurations step by step.
type Engine struct {
	resolver EndpointResolver
	client   networking.HTTPClient
	newID    func() string
}

// NewEngine creates an engine that resolves step endpoints through the given
// resolver and performs upstream calls with the given client.
func NewEngine(resolver EndpointResolver, client networking.HTTPClient) *Engine {
	return &Engine{
		resolver: resolver,
		client:   client,
		newID:    uuid.NewString,
	}
}

// Result carries the captured response of every executed step. Array steps
// capture an ordered JSON array holding one entry per input element.
type Result struct {
	// Order lists step names in execution order.
	Order []string

	// Results maps step names to their captured response bodies.
	Results map[string]json.RawMessage
}

// StepError reports an upstream call that failed mid-flow. The flow aborts
// at the failing step; earlier steps are not compensated.
type StepError struct {
	// Index is the zero-based position of the step in the configuration.
	Index int

	// Name is the step name.
	Name string

	// Status is the upstream HTTP status code.
	Status int

	// Body is a preview of the upstream response body.
	Body string
}

// Error implements the error interface.
func (e *StepError) Error() string {
	return fmt.Sprintf("step %d (%s) failed with upstream status %d", e.Index, e.Name, e.Status)
}

// ExpressionError reports a template expression that could not be resolved
// against the captured results.
type ExpressionError struct {
	// Step is the step whose transformation failed.
	Step string

	// Field is the payload field being assigned.
	Field string

	// Expression is the offending expression.
	Expression string
}

// Error implements the error interface.
func (e *ExpressionError) Error() string {
	return fmt.Sprintf("step %s: cannot resolve %q for field %s", e.Step, e.Expression, e.Field)
}

// RequestError reports a request body that does not fit the step plan, such
// as a missing source property.
type RequestError struct {
	// Step is the step that could not be prepared.
	Step string

	// Reason describes what the body is missing.
	Reason string
}

// Error implements the error interface.
func (e *RequestError) Error() string {
	return fmt.Sprintf("step %s: %s", e.Step, e.Reason)
}

// Execute runs every step of the composite definition in declaration order
// against the request body. It aborts on the first failing step.
func (e *Engine) Execute(
	ctx context.Context,
	environment string,
	composite *endpoints.CompositeEndpoint,
	body []byte,
) (*Result, error) {
	steps := composite.Config.Steps
	logger.Infof("Executing composite %s (%d steps)", composite.Name, len(steps))

	result := &Result{
		Order:   make([]string, 0, len(steps)),
		Results: make(map[string]json.RawMessage, len(steps)),
	}

	for i := range steps {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		step := &steps[i]
		logger.Debugf("Executing composite step %d/%d: %s", i+1, len(steps), step.Name)

		captured, err := e.executeStep(ctx, environment, composite, i, step, body, result.Results)
		if err != nil {
			logger.Errorf("Composite %s aborted at step %s: %v", composite.Name, step.Name, err)
			return nil, err
		}

		result.Results[step.Name] = captured
		result.Order = append(result.Order, step.Name)
	}

	logger.Infof("Composite %s completed successfully", composite.Name)
	return result, nil
}

// executeStep prepares and performs the calls of one step and returns the
// captured response body.
func (e *Engine) executeStep(
	ctx context.Context,
	environment string,
	composite *endpoints.CompositeEndpoint,
	index int,
	step *endpoints.Step,
	body []byte,
	results map[string]json.RawMessage,
) (json.RawMessage, error) {
	target, err := e.stepTarget(environment, composite, step)
	if err != nil {
		return nil, err
	}

	if step.IsArray && step.ArrayProperty != "" {
		elements := gjson.GetBytes(body, step.ArrayProperty)
		if !elements.Exists() {
			return nil, &RequestError{Step: step.Name, Reason: fmt.Sprintf("request body has no property %q", step.ArrayProperty)}
		}
		if !elements.IsArray() {
			return nil, &RequestError{Step: step.Name, Reason: fmt.Sprintf("property %q is not an array", step.ArrayProperty)}
		}

		// One call per element, sequential so captured results keep the
		// input order.
		captured := make([]json.RawMessage, 0, len(elements.Array()))
		for _, element := range elements.Array() {
			payload, err := e.applyTransformations(step, []byte(element.Raw), results)
			if err != nil {
				return nil, err
			}
			response, err := e.call(ctx, index, step, target, payload)
			if err != nil {
				return nil, err
			}
			captured = append(captured, response)
		}
		return json.Marshal(captured)
	}

	source := body
	if step.SourceProperty != "" {
		value := gjson.GetBytes(body, step.SourceProperty)
		if !value.Exists() {
			return nil, &RequestError{Step: step.Name, Reason: fmt.Sprintf("request body has no property %q", step.SourceProperty)}
		}
		source = []byte(value.Raw)
	}

	payload, err := e.applyTransformations(step, source, results)
	if err != nil {
		return nil, err
	}
	return e.call(ctx, index, step, target, payload)
}

// stepTarget resolves the URL a step posts to. Steps reference proxy
// endpoints by name; steps naming an endpoint outside the catalogue fall
// back to the composite's own base URL.
func (e *Engine) stepTarget(environment string, composite *endpoints.CompositeEndpoint, step *endpoints.Step) (string, error) {
	if def, ok := e.resolver.Lookup(endpoints.KindProxy, step.Endpoint); ok && def.VisibleIn(environment) {
		return def.Proxy.TargetURL, nil
	}
	if composite.BaseURL != "" {
		return strings.TrimRight(composite.BaseURL, "/") + "/" + step.Endpoint, nil
	}
	return "", fmt.Errorf("step %s: endpoint %s is not registered and the composite has no base URL", step.Name, step.Endpoint)
}

// applyTransformations evaluates the step's template transformations and
// merges the computed fields into the payload object.
func (e *Engine) applyTransformations(
	step *endpoints.Step,
	payload []byte,
	results map[string]json.RawMessage,
) ([]byte, error) {
	if len(step.TemplateTransformations) == 0 {
		return payload, nil
	}

	var object map[string]any
	if err := json.Unmarshal(payload, &object); err != nil {
		return nil, &RequestError{Step: step.Name, Reason: "step payload is not a JSON object"}
	}
	if object == nil {
		object = make(map[string]any, len(step.TemplateTransformations))
	}

	// Sorted so a payload with several bad expressions reports the same one
	// every time.
	for _, field := range slices.Sorted(maps.Keys(step.TemplateTransformations)) {
		value, err := e.evaluate(step.Name, field, step.TemplateTransformations[field], results)
		if err != nil {
			return nil, err
		}
		object[field] = value
	}

	return json.Marshal(object)
}

// evaluate resolves one transformation expression. Literal strings pass
// through unchanged.
func (e *Engine) evaluate(
	stepName, field, expr string,
	results map[string]json.RawMessage,
) (any, error) {
	if expr == endpoints.ExprGUID {
		return e.newID(), nil
	}

	if prevStep, path, ok := endpoints.ParsePrevRef(expr); ok {
		captured, exists := results[prevStep]
		if !exists {
			return nil, &ExpressionError{Step: stepName, Field: field, Expression: expr}
		}
		if path == "" {
			var value any
			if err := json.Unmarshal(captured, &value); err != nil {
				return nil, &ExpressionError{Step: stepName, Field: field, Expression: expr}
			}
			return value, nil
		}
		value := gjson.GetBytes(captured, path)
		if !value.Exists() {
			return nil, &ExpressionError{Step: stepName, Field: field, Expression: expr}
		}
		return value.Value(), nil
	}

	return expr, nil
}

// call performs one upstream request and captures the response body.
// Upstream statuses of 400 and above abort the flow with a StepError.
func (e *Engine) call(
	ctx context.Context,
	index int,
	step *endpoints.Step,
	target string,
	payload []byte,
) (json.RawMessage, error) {
	method := strings.ToUpper(strings.TrimSpace(step.Method))
	if method == "" {
		method = http.MethodPost
	}

	req, err := http.NewRequestWithContext(ctx, method, target, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("step %s: failed to create request: %w", step.Name, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("step %s: request failed: %w", step.Name, err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, networking.DefaultMaxResponseSize))
	if err != nil {
		return nil, fmt.Errorf("step %s: failed to read response body: %w", step.Name, err)
	}

	if resp.StatusCode >= http.StatusBadRequest {
		preview := string(body)
		if len(preview) > stepErrorPreviewSize {
			preview = preview[:stepErrorPreviewSize]
		}
		return nil, &StepError{Index: index, Name: step.Name, Status: resp.StatusCode, Body: preview}
	}

	return captureBody(body), nil
}

// captureBody keeps valid JSON as-is and wraps anything else as a JSON
// string so captured results always splice into response envelopes.
func captureBody(body []byte) json.RawMessage {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 {
		return json.RawMessage("null")
	}
	if json.Valid(trimmed) {
		return json.RawMessage(trimmed)
	}
	quoted, err := json.Marshal(string(body))
	if err != nil {
		return json.RawMessage("null")
	}
	return json.RawMessage(quoted)
}
