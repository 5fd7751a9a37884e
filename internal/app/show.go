package app

import (
	"context"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"listing-alerts/internal/storage"
)

// Show prints recent alerts, one user's filtered feed, or the delivery legs
// of a single alert.
func (a *App) Show(ctx context.Context, opts ShowOptions) error {
	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer closeStore()

	if opts.AlertID > 0 {
		return showNotifications(ctx, store, opts.AlertID)
	}

	var alerts []storage.Alert
	if opts.UserID > 0 {
		filter := storage.AlertFilter{
			UnreadOnly: opts.UnreadOnly,
			Limit:      opts.Limit,
		}
		if opts.EntityID > 0 {
			filter.EntityID = &opts.EntityID
		}
		if opts.Kind != "" {
			kind := storage.AlertKind(opts.Kind)
			filter.Kind = &kind
		}
		alerts, err = store.ListAlerts(ctx, opts.UserID, filter)
	} else {
		alerts, err = store.ListRecentAlerts(ctx, opts.Limit)
	}
	if err != nil {
		return err
	}
	if len(alerts) == 0 {
		fmt.Fprintln(os.Stdout, "no alerts found")
		return nil
	}

	writer := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Time (UTC)\tEntity\tUser\tKind\tSeverity\tChange%\tTitle\tRead")

	for _, alert := range alerts {
		pct := ""
		if alert.PercentChange != nil {
			pct = alert.PercentChange.StringFixed(1)
		}
		fmt.Fprintf(
			writer,
			"%s\t%d\t%d\t%s\t%s\t%s\t%s\t%t\n",
			alert.CreatedAt.UTC().Format(time.RFC3339),
			alert.EntityID,
			alert.UserID,
			alert.Kind,
			alert.Severity,
			pct,
			sanitizeInline(alert.Title),
			alert.IsRead,
		)
	}

	writer.Flush()
	return nil
}

func showNotifications(ctx context.Context, store *storage.Store, alertID int64) error {
	notifications, err := store.ListNotificationsForAlert(ctx, alertID)
	if err != nil {
		return err
	}
	if len(notifications) == 0 {
		fmt.Fprintln(os.Stdout, "no notifications found for alert")
		return nil
	}

	writer := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "ID\tChannel\tStatus\tAttempts\tDelivered (UTC)\tError")

	for _, n := range notifications {
		delivered := ""
		if n.DeliveredAt != nil {
			delivered = n.DeliveredAt.UTC().Format(time.RFC3339)
		}
		reason := ""
		if n.DeliveryError != nil {
			reason = sanitizeInline(*n.DeliveryError)
		}
		fmt.Fprintf(
			writer,
			"%d\t%s\t%s\t%d\t%s\t%s\n",
			n.ID,
			n.Channel,
			n.Status,
			n.Attempts,
			delivered,
			reason,
		)
	}

	writer.Flush()
	return nil
}

func sanitizeInline(v string) string {
	cleaned := strings.ReplaceAll(v, "\n", " ")
	cleaned = strings.ReplaceAll(cleaned, "\r", " ")
	return cleaned
}
