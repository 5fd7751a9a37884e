// Package classifier maps change events and resolved thresholds into alerts.
// Below-threshold changes are discarded; qualifying ones get a severity and
// rendered title/message. The classifier consults the alert store's dedup
// key so re-running detection on the same observation pair stays safe.
package classifier

import (
	"context"
	"fmt"

	"github.com/dustin/go-humanize"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"listing-alerts/internal/detector"
	"listing-alerts/internal/storage"
	"listing-alerts/internal/thresholds"
)

var two = decimal.NewFromInt(2)

// Options carry the fixed absolute rules that are not per-user thresholds.
type Options struct {
	// ReviewSpikePct and ReviewSpikeCount qualify a review spike when either
	// triggers: window growth percentage or absolute new-review count.
	ReviewSpikePct   decimal.Decimal
	ReviewSpikeCount int
	// RatingWarnDelta lifts a rating change from info to warning.
	RatingWarnDelta decimal.Decimal
}

// Classifier turns change events into persisted-ready alerts.
type Classifier struct {
	alerts   storage.AlertStore
	resolver *thresholds.Resolver
	opts     Options
	logger   zerolog.Logger
}

// New constructs a Classifier.
func New(alerts storage.AlertStore, resolver *thresholds.Resolver, opts Options, logger zerolog.Logger) *Classifier {
	return &Classifier{
		alerts:   alerts,
		resolver: resolver,
		opts:     opts,
		logger:   logger.With().Str("component", "classifier").Logger(),
	}
}

// Classify returns the alert for the event and user, or nil when the event
// falls below the user's thresholds or an equivalent alert already exists.
func (c *Classifier) Classify(ctx context.Context, event detector.ChangeEvent, userID int64) (*storage.Alert, error) {
	severity, qualifies := c.evaluate(ctx, event, userID)
	if !qualifies {
		return nil, nil
	}

	obsID := event.CurrentObservationID
	exists, err := c.alerts.AlertExists(ctx, event.EntityID, userID, &obsID, event.Kind)
	if err != nil {
		return nil, fmt.Errorf("alert dedup check: %w", err)
	}
	if exists {
		c.logger.Debug().Int64("entity_id", event.EntityID).Int64("user_id", userID).
			Str("kind", string(event.Kind)).Msg("equivalent alert already exists")
		return nil, nil
	}

	alert := storage.Alert{
		EntityID:                event.EntityID,
		UserID:                  userID,
		TriggeringObservationID: &obsID,
		Kind:                    event.Kind,
		Severity:                severity,
		Title:                   renderTitle(event),
		Message:                 renderMessage(event),
	}
	if event.OldValue != "" {
		old := event.OldValue
		alert.OldValue = &old
	}
	if event.NewValue != "" {
		v := event.NewValue
		alert.NewValue = &v
	}
	if event.PercentChange != nil {
		pct := event.PercentChange.Round(2)
		alert.PercentChange = &pct
	}
	return &alert, nil
}

// evaluate applies the per-kind qualification rule and assigns severity.
func (c *Classifier) evaluate(ctx context.Context, event detector.ChangeEvent, userID int64) (storage.Severity, bool) {
	switch event.Kind {
	case storage.KindPriceIncrease, storage.KindPriceDecrease:
		threshold := c.resolver.Resolve(ctx, userID, event.EntityID, thresholds.MetricPrice)
		return gradeMagnitude(event, threshold)

	case storage.KindRankWorsened:
		threshold := c.resolver.Resolve(ctx, userID, event.EntityID, thresholds.MetricRank)
		return gradeMagnitude(event, threshold)

	case storage.KindRankImproved:
		threshold := c.resolver.Resolve(ctx, userID, event.EntityID, thresholds.MetricRank)
		severity, ok := gradeMagnitude(event, threshold)
		if !ok {
			return "", false
		}
		// Rank improvements are informational unless the move is outsized.
		if severity == storage.SeverityCritical {
			return storage.SeverityWarning, true
		}
		return storage.SeverityInfo, true

	case storage.KindWentOutOfStock, storage.KindBackInStock:
		// Any flip qualifies.
		return storage.SeverityInfo, true

	case storage.KindRatingChanged:
		if event.Delta != nil && event.Delta.Abs().GreaterThanOrEqual(c.opts.RatingWarnDelta) {
			return storage.SeverityWarning, true
		}
		return storage.SeverityInfo, true

	case storage.KindReviewSpike:
		return c.gradeReviewSpike(event)

	default:
		c.logger.Warn().Str("kind", string(event.Kind)).Msg("unknown change kind discarded")
		return "", false
	}
}

// gradeMagnitude applies the percentage rule with strict > qualification:
// a change of exactly the threshold does not alert. When the percent change
// is undefined (previous value was zero) the signed delta is compared against
// the threshold as an absolute magnitude instead.
func gradeMagnitude(event detector.ChangeEvent, threshold decimal.Decimal) (storage.Severity, bool) {
	magnitude := decimal.Zero
	switch {
	case event.PercentChange != nil:
		magnitude = event.PercentChange.Abs()
	case event.Delta != nil:
		magnitude = event.Delta.Abs()
	default:
		return "", false
	}

	if threshold.IsZero() {
		// A zero threshold means "alert on any movement".
		if magnitude.IsZero() {
			return "", false
		}
		return storage.SeverityWarning, true
	}
	if magnitude.LessThanOrEqual(threshold) {
		return "", false
	}
	if magnitude.GreaterThanOrEqual(threshold.Mul(two)) {
		return storage.SeverityCritical, true
	}
	return storage.SeverityWarning, true
}

func (c *Classifier) gradeReviewSpike(event detector.ChangeEvent) (storage.Severity, bool) {
	pctTrigger := event.PercentChange != nil && event.PercentChange.GreaterThanOrEqual(c.opts.ReviewSpikePct)
	countTrigger := event.Delta != nil && event.Delta.GreaterThanOrEqual(decimal.NewFromInt(int64(c.opts.ReviewSpikeCount)))
	if !pctTrigger && !countTrigger {
		return "", false
	}

	doublePct := event.PercentChange != nil && event.PercentChange.GreaterThanOrEqual(c.opts.ReviewSpikePct.Mul(two))
	doubleCount := event.Delta != nil && event.Delta.GreaterThanOrEqual(decimal.NewFromInt(int64(c.opts.ReviewSpikeCount)*2))
	if doublePct || doubleCount {
		return storage.SeverityWarning, true
	}
	return storage.SeverityInfo, true
}

func renderTitle(event detector.ChangeEvent) string {
	switch event.Kind {
	case storage.KindPriceDecrease:
		return "Price dropped" + pctSuffix(event)
	case storage.KindPriceIncrease:
		return "Price increased" + pctSuffix(event)
	case storage.KindRankImproved:
		return "Rank improved" + pctSuffix(event)
	case storage.KindRankWorsened:
		return "Rank worsened" + pctSuffix(event)
	case storage.KindWentOutOfStock:
		return "Listing went out of stock"
	case storage.KindBackInStock:
		return "Listing is back in stock"
	case storage.KindRatingChanged:
		return "Rating changed"
	case storage.KindReviewSpike:
		return "Review activity spike"
	default:
		return "Listing changed"
	}
}

func renderMessage(event detector.ChangeEvent) string {
	switch event.Kind {
	case storage.KindPriceDecrease, storage.KindPriceIncrease:
		return fmt.Sprintf("Price changed from $%s to $%s%s.",
			commaValue(event.OldValue, 2), commaValue(event.NewValue, 2), pctSuffix(event))
	case storage.KindRankImproved, storage.KindRankWorsened:
		return fmt.Sprintf("Best seller rank moved from #%s to #%s%s.",
			commaValue(event.OldValue, 0), commaValue(event.NewValue, 0), pctSuffix(event))
	case storage.KindWentOutOfStock, storage.KindBackInStock:
		return fmt.Sprintf("Availability changed from %s to %s.", event.OldValue, event.NewValue)
	case storage.KindRatingChanged:
		return fmt.Sprintf("Rating moved from %s to %s stars.", event.OldValue, event.NewValue)
	case storage.KindReviewSpike:
		return fmt.Sprintf("Review count grew from %s to %s%s.",
			commaValue(event.OldValue, 0), commaValue(event.NewValue, 0), pctSuffix(event))
	default:
		return fmt.Sprintf("Value changed from %s to %s.", event.OldValue, event.NewValue)
	}
}

func pctSuffix(event detector.ChangeEvent) string {
	if event.PercentChange == nil {
		return ""
	}
	return fmt.Sprintf(" (%s%%)", event.PercentChange.Round(1).String())
}

func commaValue(raw string, digits int) string {
	parsed, err := decimal.NewFromString(raw)
	if err != nil {
		return raw
	}
	return humanize.CommafWithDigits(parsed.InexactFloat64(), digits)
}
