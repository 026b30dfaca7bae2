package pipeline

import (
	"context"

	"go.uber.org/zap"

	"github.com/linkhoard/linkhoard/internal/core"
	"github.com/linkhoard/linkhoard/internal/queue"
)

// Queues holds the dependent queues fed by the Chaining stage. Any entry may
// be nil when the corresponding subsystem is not configured.
type Queues struct {
	Tagging       queue.Queue[core.BookmarkJob]
	Summarization queue.Queue[core.BookmarkJob]
	SearchReindex queue.Queue[core.BookmarkJob]
	VideoDownload queue.Queue[core.BookmarkJob]
	Webhook       queue.Queue[core.WebhookJob]
	RuleEngine    queue.Queue[core.RuleEvent]
}

// chain enqueues the dependent jobs for a finished crawl, propagating the
// triggering job's priority so downstream work is not starved behind
// lower-priority crawls. Enqueue failures are logged; they never fail the
// crawl that already persisted.
func (c *Crawler) chain(ctx context.Context, job *queue.Job[core.CrawlJob]) {
	opts := queue.EnqueueOptions{Priority: job.Priority, Retries: c.cfg.ChainedJobRetries}
	bookmarkID := job.Payload.BookmarkID

	enqueueBookmark := func(q queue.Queue[core.BookmarkJob]) {
		if q == nil {
			return
		}
		if _, err := q.Enqueue(ctx, core.BookmarkJob{BookmarkID: bookmarkID}, opts); err != nil {
			c.logger.Warn("chained enqueue failed",
				zap.String("queue", q.Name()),
				zap.String("bookmark_id", bookmarkID),
				zap.Error(err),
			)
		}
	}

	if job.Payload.RunInference {
		enqueueBookmark(c.queues.Tagging)
		enqueueBookmark(c.queues.Summarization)
	}
	enqueueBookmark(c.queues.SearchReindex)
	if c.cfg.DownloadVideo {
		enqueueBookmark(c.queues.VideoDownload)
	}

	if c.queues.Webhook != nil {
		payload := core.WebhookJob{BookmarkID: bookmarkID, Operation: "crawled"}
		if _, err := c.queues.Webhook.Enqueue(ctx, payload, opts); err != nil {
			c.logger.Warn("webhook enqueue failed", zap.String("bookmark_id", bookmarkID), zap.Error(err))
		}
	}
	if c.queues.RuleEngine != nil {
		event := core.RuleEvent{BookmarkID: bookmarkID, Trigger: "crawled"}
		if _, err := c.queues.RuleEngine.Enqueue(ctx, event, opts); err != nil {
			c.logger.Warn("rule event enqueue failed", zap.String("bookmark_id", bookmarkID), zap.Error(err))
		}
	}
}
