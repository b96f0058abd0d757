package recipes

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"

	"agentflow/internal/domain"
	"agentflow/internal/usecase/workflow"
)

// evaluateBuild folds a Cloud Build status into SUCCESS, WORKING or FAILURE.
// The build is read from `<source>.response` (source defaults to
// wait_for_build); a missing build counts as FAILURE.
func (s *Set) evaluateBuild(_ context.Context, in workflow.InlineInput) (any, error) {
	source := in.Arg("source", "wait_for_build")
	v, _, err := lookupOptional(in, source+".response.status")
	if err != nil {
		return nil, err
	}
	status, _ := v.(string)
	switch status {
	case "SUCCESS", "WORKING":
	default:
		status = "FAILURE"
	}
	return map[string]any{"status": status}, nil
}

// structurePubSubError turns the first message of a Pub/Sub pull response
// into a structured error record. Returns nil when nothing was received.
func (s *Set) structurePubSubError(_ context.Context, in workflow.InlineInput) (any, error) {
	source := in.Arg("source", "fetch_error")
	v, ok, err := lookupOptional(in, source+".response.receivedMessages[0].message.data")
	if err != nil || !ok {
		return nil, err
	}
	data, err := decodeMessageData(v)
	if err != nil {
		return nil, domain.NewSubSystemError("inline", StructurePubSub, domain.ErrInlineFailure, err.Error())
	}

	service := "unknown"
	if app := asString(dig(data, "metadata", "labels", "app")); app != "" {
		service = app
	} else if pod := asString(data["podName"]); pod != "" {
		service = pod
	}
	message := asString(data["error"])
	if message == "" {
		message = asString(data["log"])
	}
	ts := s.timestamp()

	payload, err := json.Marshal(map[string]any{
		"service":      service,
		"errorMessage": message,
		"raw":          data,
		"timestamp":    ts,
	})
	if err != nil {
		return nil, domain.NewSubSystemError("inline", StructurePubSub, domain.ErrInlineFailure, err.Error())
	}
	return map[string]any{
		"service":        service,
		"errorMessage":   message,
		"errorTimestamp": ts,
		"error_payload":  string(payload),
	}, nil
}

// decodeMessageData accepts the message data as a decoded object, JSON text,
// or base64 encoded JSON as delivered by the Pub/Sub REST API.
func decodeMessageData(v any) (map[string]any, error) {
	switch d := v.(type) {
	case map[string]any:
		return d, nil
	case string:
		var out map[string]any
		if json.Unmarshal([]byte(d), &out) == nil {
			return out, nil
		}
		raw, err := base64.StdEncoding.DecodeString(d)
		if err != nil {
			return nil, fmt.Errorf("message data is neither JSON nor base64: %w", err)
		}
		if err := json.Unmarshal(raw, &out); err != nil {
			return nil, fmt.Errorf("message data: %w", err)
		}
		return out, nil
	}
	return nil, fmt.Errorf("unexpected message data type %T", v)
}

func dig(m map[string]any, keys ...string) any {
	var cur any = m
	for _, k := range keys {
		obj, ok := cur.(map[string]any)
		if !ok {
			return nil
		}
		cur = obj[k]
	}
	return cur
}

// detectMemoryGrowth compares the oldest and newest point of the first
// Cloud Monitoring time series. Points arrive newest first. A growth ratio
// below `threshold` (default 1.2) yields nil.
func (s *Set) detectMemoryGrowth(_ context.Context, in workflow.InlineInput) (any, error) {
	source := in.Arg("source", "fetch_metrics")
	threshold, err := argFloat(in, "threshold", 1.2)
	if err != nil {
		return nil, domain.NewSubSystemError("inline", DetectMemoryGrowth, domain.ErrInvalidInput, err.Error())
	}

	v, ok, err := lookupOptional(in, source+".response.timeSeries[0].points")
	if err != nil || !ok {
		return nil, err
	}
	points, _ := v.([]any)
	if len(points) == 0 {
		return nil, nil
	}
	end, ok := pointValue(points[0])
	if !ok {
		return nil, domain.NewSubSystemError("inline", DetectMemoryGrowth, domain.ErrInlineFailure, "newest point has no numeric value")
	}
	start, ok := pointValue(points[len(points)-1])
	if !ok {
		return nil, domain.NewSubSystemError("inline", DetectMemoryGrowth, domain.ErrInlineFailure, "oldest point has no numeric value")
	}
	if start <= 0 || end/start < threshold {
		return nil, nil
	}

	service := in.Arg("service", in.Params["SERVICE_NAME"])
	return map[string]any{
		"service":   service,
		"start":     start,
		"end":       end,
		"ratio":     end / start,
		"timestamp": s.timestamp(),
	}, nil
}

func pointValue(p any) (float64, bool) {
	pm, ok := p.(map[string]any)
	if !ok {
		return 0, false
	}
	val, ok := pm["value"].(map[string]any)
	if !ok {
		return 0, false
	}
	if d, ok := asFloat(val["doubleValue"]); ok {
		return d, true
	}
	return asFloat(val["int64Value"])
}

// buildReport selects the newest event across `sources` and renders the
// SendGrid mail and BigQuery insertAll payloads for it. Returns nil when no
// source produced an event.
func (s *Set) buildReport(ctx context.Context, in workflow.InlineInput) (any, error) {
	sources := splitList(in.Arg("sources", ""))
	if len(sources) == 0 {
		return nil, domain.NewSubSystemError("inline", BuildReport, domain.ErrInvalidInput, "argument sources is required")
	}
	field := in.Arg("field", "timestamp")

	cands, err := collectCandidates(in, sources, field)
	if err != nil {
		return nil, err
	}
	item, source, err := newest(cands, field)
	if err != nil || item == nil {
		return nil, err
	}

	pretty, err := json.MarshalIndent(item, "", "  ")
	if err != nil {
		return nil, domain.NewSubSystemError("inline", BuildReport, domain.ErrInlineFailure, err.Error())
	}
	email := map[string]any{
		"personalizations": []any{map[string]any{
			"to": []any{map[string]any{"email": in.Arg("to", paramOr(in, "REPORT_TO", "oncall@example.com"))}},
		}},
		"from":    map[string]any{"email": in.Arg("from", paramOr(in, "REPORT_FROM", "noreply@example.com"))},
		"subject": fmt.Sprintf("Remediation Update: %s - %s", asString(item["service"]), asString(item[field])),
		"content": []any{map[string]any{"type": "text/plain", "value": string(pretty)}},
	}
	bq := map[string]any{"rows": []any{map[string]any{"json": item}}}

	emailJSON, err := json.Marshal(email)
	if err != nil {
		return nil, domain.NewSubSystemError("inline", BuildReport, domain.ErrInlineFailure, err.Error())
	}
	bqJSON, err := json.Marshal(bq)
	if err != nil {
		return nil, domain.NewSubSystemError("inline", BuildReport, domain.ErrInlineFailure, err.Error())
	}

	s.logger.DebugContext(ctx, "report built", "step", in.Step, "source", source, "candidates", len(cands))
	return map[string]any{
		"source":        source,
		"newest":        item,
		"email_payload": string(emailJSON),
		"bq_payload":    string(bqJSON),
	}, nil
}

func paramOr(in workflow.InlineInput, name, fallback string) string {
	if v := in.Params[name]; v != "" {
		return v
	}
	return fallback
}

// recordMitigation assembles the risk-mitigation record written back to the
// realtime DB once a pull request was opened. Returns nil when the analysis
// step produced nothing.
func (s *Set) recordMitigation(ctx context.Context, in workflow.InlineInput) (any, error) {
	analysis, ok, err := lookupOptional(in, in.Arg("analysis", "analyze_metrics")+".result")
	if err != nil || !ok {
		return nil, err
	}
	a, ok := analysis.(map[string]any)
	if !ok {
		return nil, domain.NewSubSystemError("inline", RecordMitigation, domain.ErrInlineFailure,
			fmt.Sprintf("analysis result is %T, want an object", analysis))
	}

	rec := map[string]any{
		"service":   a["service"],
		"start":     a["start"],
		"end":       a["end"],
		"timestamp": a["timestamp"],
		"status":    "proposed",
	}
	prURL, _, err := lookupOptional(in, in.Arg("pull_request", "create_pr")+".response.html_url")
	if err != nil {
		return nil, err
	}
	if prURL != nil {
		rec["pr_url"] = prURL
	} else {
		rec["status"] = "pr_failed"
	}

	payload, err := json.Marshal(rec)
	if err != nil {
		return nil, domain.NewSubSystemError("inline", RecordMitigation, domain.ErrInlineFailure, err.Error())
	}
	rec["record_payload"] = string(payload)
	s.logger.InfoContext(ctx, "risk mitigation recorded", "service", a["service"], "status", rec["status"])
	return rec, nil
}
