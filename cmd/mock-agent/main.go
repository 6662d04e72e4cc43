// Package main implements a mock agent binary that speaks the Agentrix
// envelope protocol over HTTP. It covers the built-in capabilities well
// enough for local demos and end-to-end testing: expression evaluation,
// locale formatting, ethics verdicts and workflow handoff chains.
package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/agentrix/agentrix/internal/protocol"
)

type options struct {
	listen       string
	uri          string
	capabilities []string
	orchestrator string
	async        bool
	delay        time.Duration
	deny         []string
}

func main() {
	var opts options
	var caps, deny string
	flag.StringVar(&opts.listen, "listen", ":9001", "listen address")
	flag.StringVar(&opts.uri, "uri", "agent://mock/worker", "agent URI")
	flag.StringVar(&caps, "capabilities", "calculate,format,ethics-check,echo", "comma-separated capability tags")
	flag.StringVar(&opts.orchestrator, "orchestrator", "", "orchestrator base URL; enables self-registration and async replies")
	flag.BoolVar(&opts.async, "async", false, "ack with 202 and deliver replies through the orchestrator intake")
	flag.DurationVar(&opts.delay, "delay", 0, "artificial processing delay per request")
	flag.StringVar(&deny, "deny", "", "comma-separated substrings the ethics check rejects")
	flag.Parse()

	opts.capabilities = splitList(caps)
	opts.deny = splitList(deny)

	agent := &mockAgent{opts: opts}

	if opts.orchestrator != "" {
		if err := agent.register(); err != nil {
			fmt.Fprintf(os.Stderr, "mock-agent: registration failed: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("registered %s with %s\n", opts.uri, opts.orchestrator)
	}

	http.HandleFunc("/messages", agent.handleMessage)
	fmt.Printf("mock agent %s listening on %s (capabilities: %s)\n", opts.uri, opts.listen, caps)
	if err := http.ListenAndServe(opts.listen, nil); err != nil {
		fmt.Fprintf(os.Stderr, "mock-agent: %v\n", err)
		os.Exit(1)
	}
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

type mockAgent struct {
	opts options
}

// register announces the agent to the orchestrator with an offer envelope.
func (a *mockAgent) register() error {
	caps := make([]interface{}, len(a.opts.capabilities))
	for i, c := range a.opts.capabilities {
		caps[i] = c
	}
	offer := &protocol.Envelope{
		ID:        uuid.New().String(),
		Timestamp: time.Now().UTC(),
		Type:      protocol.TypeOffer,
		Sender:    a.opts.uri,
		Intent:    "offer",
		Payload: map[string]interface{}{
			"endpoint":     "http://" + listenHost(a.opts.listen) + "/messages",
			"capabilities": caps,
		},
	}
	return a.post(a.opts.orchestrator+"/api/v1/messages", offer)
}

// listenHost turns ":9001" into "localhost:9001" for the advertised endpoint.
func listenHost(listen string) string {
	if strings.HasPrefix(listen, ":") {
		return "localhost" + listen
	}
	return listen
}

func (a *mockAgent) post(url string, env *protocol.Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}
	resp, err := http.Post(url, "application/json", bytes.NewReader(data))
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("HTTP %d from %s", resp.StatusCode, url)
	}
	return nil
}

func (a *mockAgent) handleMessage(w http.ResponseWriter, r *http.Request) {
	var env protocol.Envelope
	if err := json.NewDecoder(r.Body).Decode(&env); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := env.Validate(); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	if a.opts.async && a.opts.orchestrator != "" {
		w.WriteHeader(http.StatusAccepted)
		go func() {
			time.Sleep(a.opts.delay)
			reply := a.reply(&env)
			if err := a.post(a.opts.orchestrator+"/api/v1/messages", reply); err != nil {
				fmt.Fprintf(os.Stderr, "mock-agent: reply delivery failed: %v\n", err)
			}
		}()
		return
	}

	time.Sleep(a.opts.delay)
	reply := a.reply(&env)
	w.Header().Set("Content-Type", "application/json")
	data, _ := json.Marshal(reply)
	_, _ = w.Write(data)
}

// reply executes the request and builds the reply envelope.
func (a *mockAgent) reply(env *protocol.Envelope) *protocol.Envelope {
	// Handoff mode: the whole chain is in the payload. The mock executes
	// every step itself and answers with the accumulated trace, standing in
	// for a real chain of peers.
	if wf, present, err := protocol.WorkflowFromPayload(env.Payload); err == nil && present {
		return a.runChain(env, wf)
	}

	payload, err := a.execute(env.Intent, env.Payload, env.Context)
	if err != nil {
		return protocol.NewFailure(env, a.opts.uri, err.Error())
	}
	return protocol.NewReply(env, protocol.TypeDone, a.opts.uri, payload)
}

func (a *mockAgent) runChain(env *protocol.Envelope, wf *protocol.WorkflowContext) *protocol.Envelope {
	trace := make([]protocol.WorkflowTraceEntry, 0, len(wf.Steps))
	var carry map[string]interface{}
	for i, step := range wf.Steps {
		payload := make(map[string]interface{}, len(step.Payload)+1)
		for k, v := range step.Payload {
			if k == "workflow" {
				continue
			}
			payload[k] = v
		}
		if carry != nil {
			payload["previous"] = carry
		}
		result, err := a.execute(step.Intent, payload, nil)
		if err != nil {
			trace = append(trace, protocol.WorkflowTraceEntry{
				Step: i, Agent: step.Agent, Status: "failed", Error: err.Error(),
			})
			break
		}
		trace = append(trace, protocol.WorkflowTraceEntry{
			Step: i, Agent: step.Agent, Status: "done", Result: result,
		})
		carry = result
	}

	final := protocol.NewReply(env, protocol.TypeDone, a.opts.uri, map[string]interface{}{})
	protocol.AttachWorkflow(final.Payload, &protocol.WorkflowContext{
		Steps:   wf.Steps,
		Current: len(trace) - 1,
		Trace:   trace,
	})
	return final
}

// execute performs one capability invocation.
func (a *mockAgent) execute(intent string, payload, context map[string]interface{}) (map[string]interface{}, error) {
	switch intent {
	case "calculate":
		expr, _ := payload["expression"].(string)
		value, err := evaluate(expr)
		if err != nil {
			return nil, fmt.Errorf("cannot evaluate %q: %v", expr, err)
		}
		return map[string]interface{}{"value": value, "expression": expr}, nil

	case "format":
		value, ok := numericInput(payload, context)
		if !ok {
			return nil, fmt.Errorf("no numeric value to format")
		}
		locale, _ := payload["locale"].(string)
		return map[string]interface{}{
			"formatted": formatNumber(value, locale),
			"locale":    locale,
		}, nil

	case "ethics-check":
		subject, _ := payload["intent"].(string)
		for _, blocked := range a.opts.deny {
			if strings.Contains(strings.ToLower(subject), strings.ToLower(blocked)) {
				return map[string]interface{}{
					"allowed":    false,
					"violations": []interface{}{blocked},
				}, nil
			}
		}
		return map[string]interface{}{"allowed": true}, nil

	default:
		// echo and anything else: reflect the payload back.
		out := make(map[string]interface{}, len(payload)+1)
		for k, v := range payload {
			out[k] = v
		}
		out["handled_by"] = a.opts.uri
		return out, nil
	}
}

// numericInput finds the value to format: the step payload itself, a carried
// chain result, or a dependency result from the request context.
func numericInput(payload, context map[string]interface{}) (float64, bool) {
	if v, ok := payload["value"].(float64); ok {
		return v, true
	}
	if prev, ok := payload["previous"].(map[string]interface{}); ok {
		if v, ok := prev["value"].(float64); ok {
			return v, true
		}
	}
	deps, _ := context["dependencies"].(map[string]interface{})
	for _, dep := range deps {
		if m, ok := dep.(map[string]interface{}); ok {
			if v, ok := m["value"].(float64); ok {
				return v, true
			}
		}
	}
	return 0, false
}

// formatNumber renders a number for the locale; only the decimal separator
// differs between the locales the mock supports.
func formatNumber(value float64, locale string) string {
	s := strconv.FormatFloat(value, 'f', 2, 64)
	switch locale {
	case "", "de-DE", "de-AT", "fr-FR":
		return strings.ReplaceAll(s, ".", ",")
	default:
		return s
	}
}
