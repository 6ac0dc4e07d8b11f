package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"text/tabwriter"
	"time"
)

// Show prints recent sightings.
func (a *App) Show(ctx context.Context, opts ShowOptions) error {
	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		return errors.New("database not configured; cannot show sightings")
	}
	if closeStore != nil {
		defer closeStore()
	}

	records, err := store.ListRecentSightings(ctx, opts.Limit)
	if err != nil {
		return err
	}
	if len(records) == 0 {
		fmt.Fprintln(os.Stdout, "no sightings found")
		return nil
	}

	writer := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Time (UTC)\tSource\tPeer\tRSSI dBm\tTx dBm\tDistance m\tCount\tRate Hz\tSession")

	for _, rec := range records {
		tx := "-"
		if rec.TxPowerDBm != nil {
			tx = fmt.Sprintf("%d", *rec.TxPowerDBm)
		}
		fmt.Fprintf(
			writer,
			"%s\t%08x\t%s\t%s\t%s\t%s\t%d\t%s\t%s\n",
			rec.ReceivedAt.UTC().Format(time.RFC3339),
			rec.SourceAddress,
			rec.PeerAddress,
			rec.SignalStrengthDBm.StringFixed(0),
			tx,
			rec.DistanceMeters.StringFixed(2),
			rec.SightingCount,
			rec.FrequencyHz.StringFixed(3),
			shortID(rec.SessionID.String()),
		)
	}

	writer.Flush()
	return nil
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
