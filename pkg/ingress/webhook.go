package ingress

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"github.com/rs/zerolog"

	"github.com/runnerhub/runnerhub/pkg/config"
	"github.com/runnerhub/runnerhub/pkg/dispatch"
	"github.com/runnerhub/runnerhub/pkg/log"
	"github.com/runnerhub/runnerhub/pkg/metrics"
	"github.com/runnerhub/runnerhub/pkg/queue"
	"github.com/runnerhub/runnerhub/pkg/storage"
	"github.com/runnerhub/runnerhub/pkg/types"
)

// Webhook headers the platform stamps on every delivery.
const (
	headerEvent     = "X-GitHub-Event"
	headerDelivery  = "X-GitHub-Delivery"
	headerSignature = "X-Hub-Signature-256"
	uaPrefix        = "GitHub-Hookshot/"
)

// Actions that flow into the dispatch queue.
var dispatchedActions = map[string]bool{
	dispatch.ActionQueued:     true,
	dispatch.ActionInProgress: true,
	dispatch.ActionCompleted:  true,
}

// Ingress receives signed webhook deliveries, persists them, and
// enqueues workflow_job work for the dispatcher. Verification fails
// closed: nothing unverified is stored or queued.
type Ingress struct {
	store   storage.Store
	queue   *queue.Queue
	secret  []byte
	maxBody int64
	dedup   *gocache.Cache
	logger  zerolog.Logger
}

// New creates the ingress.
func New(store storage.Store, q *queue.Queue, cfg config.Webhook) *Ingress {
	return &Ingress{
		store:   store,
		queue:   q,
		secret:  []byte(cfg.Secret),
		maxBody: cfg.MaxBodyBytes,
		dedup:   gocache.New(cfg.DedupTTL(), 2*cfg.DedupTTL()),
		logger:  log.WithComponent("ingress"),
	}
}

// Handler serves POST /webhook.
func (in *Ingress) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		in.handle(w, r)
	}
}

func (in *Ingress) handle(w http.ResponseWriter, r *http.Request) {
	event := r.Header.Get(headerEvent)
	delivery := r.Header.Get(headerDelivery)
	signature := r.Header.Get(headerSignature)
	if event == "" || delivery == "" || signature == "" || !strings.HasPrefix(r.UserAgent(), uaPrefix) {
		metrics.WebhooksReceived.WithLabelValues("bad_request").Inc()
		respond(w, http.StatusBadRequest, map[string]string{"error": "missing webhook headers"})
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, in.maxBody+1))
	if err != nil || int64(len(body)) > in.maxBody {
		metrics.WebhooksReceived.WithLabelValues("bad_request").Inc()
		respond(w, http.StatusBadRequest, map[string]string{"error": "unreadable or oversized body"})
		return
	}

	if !in.verify(body, signature) {
		// Unverified deliveries leave no trace beyond the counter.
		metrics.WebhooksReceived.WithLabelValues("unauthorized").Inc()
		respond(w, http.StatusUnauthorized, map[string]string{"error": "signature mismatch"})
		return
	}

	status, payload := in.accept(r.Context(), event, delivery, body, false)
	respond(w, status, payload)
}

// verify checks the hex HMAC-SHA-256 tag in constant time.
func (in *Ingress) verify(body []byte, signature string) bool {
	tag, ok := strings.CutPrefix(signature, "sha256=")
	if !ok {
		return false
	}
	want, err := hex.DecodeString(tag)
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, in.secret)
	mac.Write(body)
	return hmac.Equal(mac.Sum(nil), want)
}

// accept persists and, for workflow_job actions, enqueues a delivery.
// Replays skip the dedup window.
func (in *Ingress) accept(ctx context.Context, event, delivery string, body []byte, replay bool) (int, any) {
	record := &types.WebhookEvent{
		DeliveryID:        delivery,
		EventType:         event,
		SignatureVerified: true,
		ReceivedAt:        time.Now().UTC(),
	}

	if event == "ping" {
		metrics.WebhooksReceived.WithLabelValues("ping").Inc()
		return http.StatusOK, map[string]string{"status": "pong", "delivery_id": delivery}
	}
	if event != "workflow_job" {
		// Persisted for audit, nothing to dispatch.
		if err := in.persist(ctx, record, body, ""); err != nil {
			return faultStatus(err)
		}
		metrics.WebhooksReceived.WithLabelValues("ignored").Inc()
		return http.StatusAccepted, map[string]string{"status": "ignored", "delivery_id": delivery}
	}

	parsed, err := parseWorkflowJob(body)
	if err != nil {
		metrics.WebhooksReceived.WithLabelValues("bad_request").Inc()
		return http.StatusBadRequest, map[string]string{"error": err.Error()}
	}
	record.Action = parsed.Action
	record.Repository = parsed.Repository.FullName

	key := dedupKey(event, delivery, parsed)
	if !replay {
		if _, seen := in.dedup.Get(key); seen {
			metrics.WebhooksReceived.WithLabelValues("duplicate").Inc()
			return http.StatusOK, map[string]string{"status": "duplicate", "delivery_id": delivery}
		}
	}

	if err := in.persist(ctx, record, body, ""); err != nil {
		// Nothing stored: the window stays open so the platform's
		// redelivery gets a fresh attempt instead of a false duplicate.
		return faultStatus(err)
	}
	in.dedup.SetDefault(key, true)

	if !dispatchedActions[parsed.Action] {
		metrics.WebhooksReceived.WithLabelValues("ignored").Inc()
		return http.StatusAccepted, map[string]string{"status": "ignored", "delivery_id": delivery}
	}

	if err := in.enqueue(ctx, delivery, parsed); err != nil {
		// The delivery is already on disk; record the failure for the
		// retry sweep and acknowledge so the platform stops resending.
		if rerr := in.store.RecordWebhookFailure(ctx, delivery, err.Error()); rerr != nil {
			in.logger.Error().Err(rerr).Str("delivery_id", delivery).Msg("Could not record webhook failure")
		}
		metrics.WebhooksReceived.WithLabelValues("error").Inc()
		in.logger.Warn().Err(err).Str("delivery_id", delivery).Msg("Enqueue failed; delivery parked for retry")
		return http.StatusAccepted, map[string]string{"status": "accepted", "delivery_id": delivery}
	}
	if err := in.store.MarkWebhookProcessed(ctx, delivery, time.Now().UTC()); err != nil {
		in.logger.Error().Err(err).Str("delivery_id", delivery).Msg("Could not mark webhook processed")
	}

	metrics.WebhooksReceived.WithLabelValues("accepted").Inc()
	in.logger.Info().
		Str("delivery_id", delivery).
		Str("repository", parsed.Repository.FullName).
		Str("action", parsed.Action).
		Msg("Webhook accepted")
	return http.StatusAccepted, map[string]string{"status": "accepted", "delivery_id": delivery}
}

// persist stores the delivery row, tolerating redelivery of a known
// delivery id.
func (in *Ingress) persist(ctx context.Context, record *types.WebhookEvent, body []byte, lastError string) error {
	record.Payload = body
	record.LastError = lastError
	err := in.store.CreateWebhookEvent(ctx, record)
	if types.IsKind(err, types.KindConflict) {
		return nil
	}
	return err
}

func (in *Ingress) enqueue(ctx context.Context, delivery string, parsed *workflowJobEvent) error {
	labels := types.NewLabels(parsed.WorkflowJob.Labels...)
	task := &dispatch.Task{
		Action:        parsed.Action,
		DeliveryID:    delivery,
		UpstreamJobID: parsed.WorkflowJob.ID,
		UpstreamRunID: parsed.WorkflowJob.RunID,
		Repository:    parsed.Repository.FullName,
		Workflow:      workflowName(parsed),
		Branch:        parsed.WorkflowJob.HeadBranch,
		Event:         parsed.Event,
		Labels:        labels,
		Priority:      priorityFor(labels, parsed.Event),
		Conclusion:    parsed.WorkflowJob.Conclusion,
		RunnerName:    parsed.WorkflowJob.RunnerName,
		ReceivedAt:    time.Now().UTC(),
	}
	payload, err := task.Encode()
	if err != nil {
		return err
	}
	_, err = in.queue.Enqueue(ctx, task.Priority, payload, queue.Options{})
	return err
}

func workflowName(parsed *workflowJobEvent) string {
	if parsed.WorkflowJob.WorkflowName != "" {
		return parsed.WorkflowJob.WorkflowName
	}
	return parsed.WorkflowJob.Name
}

// dedupKey builds the composite suppression key. Action and entity are
// part of the key, so queued and completed for the same job never
// suppress each other.
func dedupKey(event, delivery string, parsed *workflowJobEvent) string {
	return fmt.Sprintf("%s|%s|%s|%s|%d",
		event, delivery, parsed.Action, parsed.Repository.FullName, parsed.WorkflowJob.ID)
}

// Replay re-processes a stored delivery, bypassing the dedup window.
func (in *Ingress) Replay(ctx context.Context, deliveryID string) error {
	record, err := in.store.GetWebhookEvent(ctx, deliveryID)
	if err != nil {
		return err
	}
	status, _ := in.accept(ctx, record.EventType, record.DeliveryID, record.Payload, true)
	if status >= http.StatusBadRequest {
		return types.Statef("replay of %s not accepted: http %d", deliveryID, status)
	}
	return nil
}

// RetryFailed re-enqueues up to limit failed deliveries, oldest first.
func (in *Ingress) RetryFailed(ctx context.Context, limit int) (int, error) {
	failed, err := in.store.ListFailedWebhookEvents(ctx, limit)
	if err != nil {
		return 0, err
	}
	retried := 0
	for _, record := range failed {
		if err := in.Replay(ctx, record.DeliveryID); err != nil {
			in.logger.Warn().Err(err).Str("delivery_id", record.DeliveryID).Msg("Retry failed")
			continue
		}
		retried++
	}
	return retried, nil
}

func faultStatus(err error) (int, any) {
	switch types.KindOf(err) {
	case types.KindValidation:
		return http.StatusBadRequest, map[string]string{"error": err.Error()}
	case types.KindConflict:
		return http.StatusConflict, map[string]string{"error": err.Error()}
	default:
		return http.StatusServiceUnavailable, map[string]string{"error": "temporarily unavailable"}
	}
}

func respond(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload != nil {
		_ = json.NewEncoder(w).Encode(payload)
	}
}
