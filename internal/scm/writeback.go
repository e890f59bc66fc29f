package scm

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/attractor-dev/attractor/internal/domain"
)

// Writeback statuses stored on the review row.
const (
	WritebackPending   = "PENDING"
	WritebackSucceeded = "SUCCEEDED"
	WritebackFailed    = "FAILED"
)

// WritebackTarget names where review evidence lands on the host.
type WritebackTarget struct {
	Owner    string
	Repo     string
	PRNumber int
	HeadSHA  string
}

// Writeback posts a review verdict to the source-control host as a check run
// plus an issue comment.
type Writeback struct {
	client     Client
	logger     *slog.Logger
	retryDelay time.Duration
}

func NewWriteback(client Client, logger *slog.Logger) *Writeback {
	if logger == nil {
		logger = slog.Default()
	}
	return &Writeback{client: client, logger: logger, retryDelay: 30 * time.Second}
}

// Post publishes the review synchronously, retrying once asynchronously on
// failure. record is called with the final writeback status exactly once;
// for the async retry path it runs on a background goroutine.
func (w *Writeback) Post(ctx context.Context, target WritebackTarget, review *domain.RunReview, record func(status string)) {
	if err := w.post(ctx, target, review); err == nil {
		record(WritebackSucceeded)
		return
	} else {
		w.logger.Warn("review writeback failed, retrying once",
			"run_id", review.RunID, "pr", target.PRNumber, "error", err)
	}

	go func() {
		// The request context may already be gone; the retry carries its own.
		rctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()

		select {
		case <-time.After(w.retryDelay):
		case <-rctx.Done():
			record(WritebackFailed)
			return
		}

		if err := w.post(rctx, target, review); err != nil {
			w.logger.Error("review writeback retry failed",
				"run_id", review.RunID, "pr", target.PRNumber, "error", err)
			record(WritebackFailed)
			return
		}
		record(WritebackSucceeded)
	}()
}

func (w *Writeback) post(ctx context.Context, target WritebackTarget, review *domain.RunReview) error {
	if err := w.client.CreateCheckRun(ctx, target.Owner, target.Repo, CheckRunSpec{
		Name:       "attractor-review",
		HeadSHA:    target.HeadSHA,
		Conclusion: checkConclusion(review.Decision),
		Title:      fmt.Sprintf("Review: %s", review.Decision),
		Summary:    reviewSummary(review),
	}); err != nil {
		return err
	}
	return w.client.CreateIssueComment(ctx, target.Owner, target.Repo, target.PRNumber, reviewComment(review))
}

func checkConclusion(d domain.ReviewDecision) string {
	switch d {
	case domain.ReviewApprove, domain.ReviewException:
		return "success"
	case domain.ReviewRequestChanges:
		return "action_required"
	default:
		return "failure"
	}
}

func reviewSummary(review *domain.RunReview) string {
	if review.Summary != nil && *review.Summary != "" {
		return *review.Summary
	}
	return fmt.Sprintf("Run %s reviewed by %s: %s", review.RunID, review.Reviewer, review.Decision)
}

func reviewComment(review *domain.RunReview) string {
	var b strings.Builder
	fmt.Fprintf(&b, "## Attractor review: %s\n\n", review.Decision)
	fmt.Fprintf(&b, "Reviewer: %s\n", review.Reviewer)
	if review.ReviewedHeadSha != nil && *review.ReviewedHeadSha != "" {
		fmt.Fprintf(&b, "Reviewed head: `%s`\n", *review.ReviewedHeadSha)
	}
	if review.Summary != nil && *review.Summary != "" {
		fmt.Fprintf(&b, "\n%s\n", *review.Summary)
	}
	if review.CriticalFindings != nil && *review.CriticalFindings != "" {
		fmt.Fprintf(&b, "\n### Critical findings\n\n%s\n", *review.CriticalFindings)
	}
	if review.ArtifactFindings != nil && *review.ArtifactFindings != "" {
		fmt.Fprintf(&b, "\n### Artifact findings\n\n%s\n", *review.ArtifactFindings)
	}
	return b.String()
}
