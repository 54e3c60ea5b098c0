// Command opsmgr is the operator CLI for the ops-manager control plane:
// per-loop reconciliation, fleet fan-out, policy, handoff, alert dispatch,
// promotion and the horizon packet bus.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/opsmgr/control-plane/engine"
	"github.com/opsmgr/control-plane/engine/config"
	"github.com/opsmgr/control-plane/engine/models"
)

// Exit codes.
const (
	exitOK       = 0
	exitUsage    = 1
	exitGated    = 2
	exitMismatch = 7
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	if len(args) == 0 {
		usage()
		return exitUsage
	}
	verb := args[0]
	rest := args[1:]

	// horizon verbs carry a subcommand
	if strings.HasPrefix(verb, "horizon-") && len(rest) > 0 && !strings.HasPrefix(rest[0], "-") {
		verb = verb + " " + rest[0]
		rest = rest[1:]
	}

	handler, ok := verbs[verb]
	if !ok {
		fmt.Fprintf(os.Stderr, "unknown verb %q\n", verb)
		usage()
		return exitUsage
	}
	return handler(rest)
}

var verbs = map[string]func([]string) int{
	"reconcile":             cmdReconcile,
	"status":                cmdStatus,
	"control":               cmdControl,
	"fleet-reconcile":       cmdFleetReconcile,
	"fleet-policy":          cmdFleetPolicy,
	"fleet-status":          cmdFleetStatus,
	"fleet-handoff":         cmdFleetHandoff,
	"alert-dispatch":        cmdAlertDispatch,
	"promotion-gates":       cmdPromotionGates,
	"promotion-apply":       cmdPromotionApply,
	"promotion-orchestrate": cmdPromotionOrchestrate,
	"horizon-packet create":     cmdHorizonPacketCreate,
	"horizon-packet transition": cmdHorizonPacketTransition,
	"horizon-packet list":       cmdHorizonPacketList,
	"horizon-packet show":       cmdHorizonPacketShow,
	"horizon-orchestrate plan":     cmdHorizonOrchestratePlan,
	"horizon-orchestrate dispatch": cmdHorizonOrchestrateDispatch,
	"horizon-ack ingest":           cmdHorizonAckIngest,
	"horizon-retry reconcile":      cmdHorizonRetryReconcile,
	"horizon-bridge":               cmdHorizonBridge,
}

func usage() {
	fmt.Fprintln(os.Stderr, `usage: opsmgr <verb> [flags]

verbs:
  reconcile --loop <id> [--watch]        reconcile one loop
  status --loop <id>                     show projected state and health
  control --loop <id> --intent <intent>  dispatch one control intent
  fleet-reconcile [--watch]              reconcile every enabled loop
  fleet-policy                           run the policy pipeline
  fleet-status                           show the last fleet state
  fleet-handoff [--execute --confirm --intents a,b | --autonomous-execute]
  alert-dispatch --loop <id>             route new escalations to sinks
  promotion-gates [--fail-on-hold]       evaluate promotion gates
  promotion-apply --intent <i> ...       mutate the policy registry
  promotion-orchestrate --mode <m> ...   gates then apply
  horizon-packet {create,transition,list,show}
  horizon-orchestrate {plan,dispatch}
  horizon-ack ingest --file <receipts>
  horizon-retry reconcile
  horizon-bridge                         claim envelopes into handoff queue`)
}

// commonFlags registers the flags every verb shares.
type commonFlags struct {
	fs      *flag.FlagSet
	repoDir string
	cfgPath string
	traceID string
}

func newFlags(name string) *commonFlags {
	cf := &commonFlags{fs: flag.NewFlagSet(name, flag.ContinueOnError)}
	cf.fs.StringVar(&cf.repoDir, "repo", ".", "repository root")
	cf.fs.StringVar(&cf.cfgPath, "config", "", "operator config file (YAML)")
	cf.fs.StringVar(&cf.traceID, "trace-id", "", "trace id to propagate (generated when empty)")
	return cf
}

func (cf *commonFlags) engine(args []string) (*engine.Engine, string, int) {
	if err := cf.fs.Parse(args); err != nil {
		return nil, "", exitUsage
	}
	cfg, err := config.Load(cf.cfgPath)
	if err != nil {
		return nil, "", fail(err)
	}
	eng, err := engine.New(cf.repoDir, engine.Options{Config: cfg})
	if err != nil {
		return nil, "", fail(err)
	}
	traceID := cf.traceID
	if traceID == "" {
		traceID = engine.NewTraceID()
	}
	return eng, traceID, -1
}

// emit prints the final JSON document on stdout.
func emit(v any) int {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fail(err)
	}
	return exitOK
}

func fail(err error) int {
	fmt.Fprintln(os.Stderr, "error:", err)
	switch {
	case errors.Is(err, engine.ErrDecisionMismatch):
		return exitMismatch
	case errors.Is(err, engine.ErrContractValidation):
		return exitGated
	default:
		return exitUsage
	}
}

func cmdReconcile(args []string) int {
	cf := newFlags("reconcile")
	var loopID string
	var watch bool
	cf.fs.StringVar(&loopID, "loop", "", "loop id")
	cf.fs.BoolVar(&watch, "watch", false, "watch loop artifacts and reconcile on change")
	eng, traceID, code := cf.engine(args)
	if code >= 0 {
		return code
	}
	if loopID == "" {
		fmt.Fprintln(os.Stderr, "error: --loop is required")
		return exitUsage
	}
	res, err := eng.Reconcile(context.Background(), loopID, traceID)
	if err != nil {
		return fail(err)
	}
	if watch {
		return watchPaths(
			[]string{
				cf.repoDir + "/.superloop/loops/" + loopID,
			},
			func() error {
				r, err := eng.Reconcile(context.Background(), loopID, engine.NewTraceID())
				if err == nil {
					_ = emit(r)
				}
				return err
			})
	}
	return emit(res)
}

func cmdStatus(args []string) int {
	cf := newFlags("status")
	var loopID string
	cf.fs.StringVar(&loopID, "loop", "", "loop id")
	eng, _, code := cf.engine(args)
	if code >= 0 {
		return code
	}
	if loopID == "" {
		fmt.Fprintln(os.Stderr, "error: --loop is required")
		return exitUsage
	}
	doc, err := eng.Status(loopID)
	if err != nil {
		return fail(err)
	}
	return emit(doc)
}

func cmdControl(args []string) int {
	cf := newFlags("control")
	var loopID, intent, idemKey string
	cf.fs.StringVar(&loopID, "loop", "", "loop id")
	cf.fs.StringVar(&intent, "intent", "", "control intent")
	cf.fs.StringVar(&idemKey, "idempotency-key", "", "idempotency key")
	eng, traceID, code := cf.engine(args)
	if code >= 0 {
		return code
	}
	if loopID == "" || intent == "" {
		fmt.Fprintln(os.Stderr, "error: --loop and --intent are required")
		return exitUsage
	}
	outcome, err := eng.Control(context.Background(), loopID, intent, idemKey, traceID)
	if err != nil {
		return fail(err)
	}
	return emit(outcome)
}

func cmdFleetReconcile(args []string) int {
	cf := newFlags("fleet-reconcile")
	var watch bool
	deterministic := true
	cf.fs.BoolVar(&deterministic, "deterministic-order", true, "emit results in sorted loop order")
	cf.fs.BoolVar(&watch, "watch", false, "watch loop artifacts and reconcile on change")
	eng, traceID, code := cf.engine(args)
	if code >= 0 {
		return code
	}
	reg, err := eng.LoadRegistry()
	if err != nil {
		return fail(err)
	}
	state, err := eng.FleetReconcile(context.Background(), reg, traceID, deterministic)
	if err != nil {
		return fail(err)
	}
	if watch {
		return watchPaths([]string{cf.repoDir + "/.superloop/loops"}, func() error {
			st, err := eng.FleetReconcile(context.Background(), reg, engine.NewTraceID(), deterministic)
			if err == nil {
				_ = emit(st)
			}
			return err
		})
	}
	return emit(state)
}

func cmdFleetPolicy(args []string) int {
	cf := newFlags("fleet-policy")
	eng, traceID, code := cf.engine(args)
	if code >= 0 {
		return code
	}
	reg, err := eng.LoadRegistry()
	if err != nil {
		return fail(err)
	}
	fleetState, err := eng.FleetStatus()
	if err != nil {
		return fail(err)
	}
	state, err := eng.PolicyRun(context.Background(), reg, fleetState, traceID)
	if err != nil {
		return fail(err)
	}
	return emit(state)
}

func cmdFleetStatus(args []string) int {
	cf := newFlags("fleet-status")
	eng, _, code := cf.engine(args)
	if code >= 0 {
		return code
	}
	state, err := eng.FleetStatus()
	if err != nil {
		return fail(err)
	}
	return emit(state)
}

func cmdFleetHandoff(args []string) int {
	cf := newFlags("fleet-handoff")
	var execute, confirm, autonomous bool
	var intents string
	cf.fs.BoolVar(&execute, "execute", false, "execute listed intents (requires --confirm)")
	cf.fs.BoolVar(&confirm, "confirm", false, "confirm manual execution")
	cf.fs.BoolVar(&autonomous, "autonomous-execute", false, "execute autonomously eligible intents")
	cf.fs.StringVar(&intents, "intents", "", "comma-separated intent ids for --execute")
	eng, traceID, code := cf.engine(args)
	if code >= 0 {
		return code
	}
	if execute && autonomous {
		fmt.Fprintln(os.Stderr, "error: --execute and --autonomous-execute are mutually exclusive")
		return exitUsage
	}
	reg, err := eng.LoadRegistry()
	if err != nil {
		return fail(err)
	}
	var policyState engine.PolicyState
	if err := readJSONFile(cf.repoDir+"/.superloop/ops-manager/fleet/policy-state.json", &policyState); err != nil {
		return fail(fmt.Errorf("no policy state: run fleet-policy first: %w", err))
	}
	state, err := eng.HandoffPlan(reg, policyState, traceID)
	if err != nil {
		return fail(err)
	}
	ctx := context.Background()
	switch {
	case execute:
		if !confirm {
			return fail(engine.ErrConfirmationRequired)
		}
		var ids []string
		for _, id := range strings.Split(intents, ",") {
			if id = strings.TrimSpace(id); id != "" {
				ids = append(ids, id)
			}
		}
		state, err = eng.HandoffExecuteManual(ctx, reg, state, ids, confirm, traceID)
	case autonomous:
		state, err = eng.HandoffExecuteAutonomous(ctx, reg, state, traceID)
	}
	if err != nil {
		return fail(err)
	}
	return emit(state)
}

func cmdAlertDispatch(args []string) int {
	cf := newFlags("alert-dispatch")
	var loopID, sinksFile string
	cf.fs.StringVar(&loopID, "loop", "", "loop id")
	cf.fs.StringVar(&sinksFile, "sinks", "", "alert sinks config file")
	eng, _, code := cf.engine(args)
	if code >= 0 {
		return code
	}
	if loopID == "" {
		fmt.Fprintln(os.Stderr, "error: --loop is required")
		return exitUsage
	}
	cfg, err := eng.LoadAlertConfig(sinksFile)
	if err != nil {
		return fail(err)
	}
	res, err := eng.AlertDispatch(context.Background(), loopID, cfg)
	if err != nil {
		return fail(err)
	}
	return emit(res)
}

func cmdPromotionGates(args []string) int {
	cf := newFlags("promotion-gates")
	var failOnHold bool
	cf.fs.BoolVar(&failOnHold, "fail-on-hold", false, "exit non-zero when the decision is hold")
	eng, traceID, code := cf.engine(args)
	if code >= 0 {
		return code
	}
	reg, err := eng.LoadRegistry()
	if err != nil {
		return fail(err)
	}
	state, err := eng.PromotionGates(reg, traceID)
	if err != nil {
		return fail(err)
	}
	rc := emit(state)
	if failOnHold && state.Decision != "promote" {
		return exitGated
	}
	return rc
}

func applyFlags(cf *commonFlags) *struct {
	intent, by, approvalRef, rationale, reviewBy, idemKey string
	expandStep                                            int
} {
	out := &struct {
		intent, by, approvalRef, rationale, reviewBy, idemKey string
		expandStep                                            int
	}{}
	cf.fs.StringVar(&out.intent, "intent", "", "apply intent: expand | resume | rollback")
	cf.fs.IntVar(&out.expandStep, "expand-step", 10, "canary percent increment for expand")
	cf.fs.StringVar(&out.by, "by", "", "acting operator")
	cf.fs.StringVar(&out.approvalRef, "approval-ref", "", "governance approval reference")
	cf.fs.StringVar(&out.rationale, "rationale", "", "governance rationale")
	cf.fs.StringVar(&out.reviewBy, "review-by", "", "next governance review deadline (RFC3339)")
	cf.fs.StringVar(&out.idemKey, "idempotency-key", "", "idempotency key")
	return out
}

func buildApplyRequest(f *struct {
	intent, by, approvalRef, rationale, reviewBy, idemKey string
	expandStep                                            int
}, traceID string) (engine.ApplyRequest, error) {
	req := engine.ApplyRequest{
		Intent:         f.intent,
		ExpandStep:     f.expandStep,
		By:             f.by,
		ApprovalRef:    f.approvalRef,
		Rationale:      f.rationale,
		IdempotencyKey: f.idemKey,
		TraceID:        traceID,
	}
	if f.reviewBy != "" {
		t, err := time.Parse(time.RFC3339, f.reviewBy)
		if err != nil {
			return engine.ApplyRequest{}, fmt.Errorf("--review-by: %w", err)
		}
		req.ReviewBy = t
	}
	return req, nil
}

func cmdPromotionApply(args []string) int {
	cf := newFlags("promotion-apply")
	f := applyFlags(cf)
	eng, traceID, code := cf.engine(args)
	if code >= 0 {
		return code
	}
	req, err := buildApplyRequest(f, traceID)
	if err != nil {
		return fail(err)
	}
	res, err := eng.PromotionApply(req)
	if err != nil {
		return fail(err)
	}
	return emit(res)
}

func cmdPromotionOrchestrate(args []string) int {
	cf := newFlags("promotion-orchestrate")
	f := applyFlags(cf)
	var mode string
	cf.fs.StringVar(&mode, "mode", "dry_run", "dry_run | apply | rollback")
	eng, traceID, code := cf.engine(args)
	if code >= 0 {
		return code
	}
	reg, err := eng.LoadRegistry()
	if err != nil {
		return fail(err)
	}
	req, err := buildApplyRequest(f, traceID)
	if err != nil {
		return fail(err)
	}
	state, applied, err := eng.PromotionOrchestrate(reg, mode, req)
	if err != nil {
		return fail(err)
	}
	return emit(map[string]any{"gates": state, "apply": applied})
}

func cmdHorizonPacketCreate(args []string) int {
	cf := newFlags("horizon-packet create")
	var horizonRef, sender, recipientType, recipientID, intent, evidence string
	var ttlSeconds int64
	cf.fs.StringVar(&horizonRef, "horizon-ref", "", "horizon reference")
	cf.fs.StringVar(&sender, "sender", "", "sender identity")
	cf.fs.StringVar(&recipientType, "recipient-type", "local_agent", "recipient type: local_agent | human")
	cf.fs.StringVar(&recipientID, "recipient-id", "", "recipient id")
	cf.fs.StringVar(&intent, "intent", "", "packet intent")
	cf.fs.StringVar(&evidence, "evidence", "", "comma-separated evidence refs")
	cf.fs.Int64Var(&ttlSeconds, "ttl-seconds", 0, "time-to-live in seconds (0 = none)")
	eng, traceID, code := cf.engine(args)
	if code >= 0 {
		return code
	}
	in := engine.HorizonCreate{
		TraceID:    traceID,
		HorizonRef: horizonRef,
		Sender:     sender,
		Recipient:  models.HorizonRecipient{Type: models.HorizonRecipientType(recipientType), ID: recipientID},
		Intent:     intent,
	}
	if ttlSeconds > 0 {
		in.TTLSeconds = &ttlSeconds
	}
	for _, ref := range strings.Split(evidence, ",") {
		if ref = strings.TrimSpace(ref); ref != "" {
			in.EvidenceRefs = append(in.EvidenceRefs, ref)
		}
	}
	pkt, err := eng.HorizonCreatePacket(in)
	if err != nil {
		return fail(err)
	}
	return emit(pkt)
}

func cmdHorizonPacketTransition(args []string) int {
	cf := newFlags("horizon-packet transition")
	var packetID, to, note string
	cf.fs.StringVar(&packetID, "packet", "", "packet id")
	cf.fs.StringVar(&to, "to", "", "target status")
	cf.fs.StringVar(&note, "note", "", "transition note")
	eng, _, code := cf.engine(args)
	if code >= 0 {
		return code
	}
	if packetID == "" || to == "" {
		fmt.Fprintln(os.Stderr, "error: --packet and --to are required")
		return exitUsage
	}
	pkt, err := eng.HorizonTransition(packetID, models.HorizonStatus(to), note)
	if err != nil {
		return fail(err)
	}
	return emit(pkt)
}

func cmdHorizonPacketList(args []string) int {
	cf := newFlags("horizon-packet list")
	eng, _, code := cf.engine(args)
	if code >= 0 {
		return code
	}
	packets, err := eng.HorizonList()
	if err != nil {
		return fail(err)
	}
	return emit(packets)
}

func cmdHorizonPacketShow(args []string) int {
	cf := newFlags("horizon-packet show")
	var packetID string
	cf.fs.StringVar(&packetID, "packet", "", "packet id")
	eng, _, code := cf.engine(args)
	if code >= 0 {
		return code
	}
	if packetID == "" {
		fmt.Fprintln(os.Stderr, "error: --packet is required")
		return exitUsage
	}
	pkt, err := eng.HorizonShow(packetID)
	if err != nil {
		return fail(err)
	}
	return emit(pkt)
}

func cmdHorizonOrchestratePlan(args []string) int {
	cf := newFlags("horizon-orchestrate plan")
	eng, traceID, code := cf.engine(args)
	if code >= 0 {
		return code
	}
	res, err := eng.HorizonOrchestrate(traceID, "plan", "")
	if err != nil {
		return fail(err)
	}
	return emit(res)
}

func cmdHorizonOrchestrateDispatch(args []string) int {
	cf := newFlags("horizon-orchestrate dispatch")
	var adapter string
	var dryRun bool
	cf.fs.StringVar(&adapter, "adapter", "filesystem_outbox", "dispatch adapter: filesystem_outbox | stdout")
	cf.fs.BoolVar(&dryRun, "dry-run", false, "plan only; leave packets queued")
	eng, traceID, code := cf.engine(args)
	if code >= 0 {
		return code
	}
	mode := "dispatch"
	if dryRun {
		mode = "dry_run"
	}
	res, err := eng.HorizonOrchestrate(traceID, mode, adapter)
	if err != nil {
		return fail(err)
	}
	return emit(res)
}

func cmdHorizonAckIngest(args []string) int {
	cf := newFlags("horizon-ack ingest")
	var file string
	cf.fs.StringVar(&file, "file", "", "receipts file (JSONL)")
	eng, _, code := cf.engine(args)
	if code >= 0 {
		return code
	}
	if file == "" {
		fmt.Fprintln(os.Stderr, "error: --file is required")
		return exitUsage
	}
	res, err := eng.HorizonAckIngest(file)
	if err != nil {
		return fail(err)
	}
	return emit(res)
}

func cmdHorizonRetryReconcile(args []string) int {
	cf := newFlags("horizon-retry reconcile")
	eng, traceID, code := cf.engine(args)
	if code >= 0 {
		return code
	}
	res, err := eng.HorizonRetryReconcile(traceID)
	if err != nil {
		return fail(err)
	}
	return emit(res)
}

func cmdHorizonBridge(args []string) int {
	cf := newFlags("horizon-bridge")
	eng, traceID, code := cf.engine(args)
	if code >= 0 {
		return code
	}
	res, err := eng.BridgeRun(traceID)
	if err != nil {
		_ = emit(res)
		return fail(err)
	}
	return emit(res)
}

// watchPaths reruns fn whenever a write lands under any of the watched
// paths. Polling remains the source of truth; the watch only shortens the
// wait.
func watchPaths(paths []string, fn func() error) int {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fail(err)
	}
	defer w.Close()
	for _, p := range paths {
		if err := w.Add(p); err != nil {
			return fail(fmt.Errorf("watch %s: %w", p, err))
		}
	}
	for {
		select {
		case ev, ok := <-w.Events:
			if !ok {
				return exitOK
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create) != 0 {
				if err := fn(); err != nil {
					fmt.Fprintln(os.Stderr, "error:", err)
				}
			}
		case err, ok := <-w.Errors:
			if !ok {
				return exitOK
			}
			fmt.Fprintln(os.Stderr, "watch error:", err)
		}
	}
}

func readJSONFile(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}
