package replay

import (
	"context"
	"errors"
	"io"

	"github.com/rs/zerolog"

	"beaconwatch/internal/transport"
)

// Result summarises a replay run.
type Result struct {
	Advertisements int
	Entries        int
}

// Run feeds every advertisement of r to h in capture order, moving clock to
// each advertisement's timestamp before delivery. begin, when set, runs once
// after the clock reaches the first timestamp; replay starts the session there.
func Run(ctx context.Context, r *Reader, clock *Clock, h transport.Handler, begin func(), logger zerolog.Logger) (Result, error) {
	log := logger.With().Str("component", "replay").Logger()

	var res Result
	for {
		if err := ctx.Err(); err != nil {
			return res, err
		}

		ad, err := r.Next()
		if errors.Is(err, io.EOF) {
			log.Info().Int("advertisements", res.Advertisements).Int("entries", res.Entries).Msg("回放完成")
			return res, nil
		}
		if err != nil {
			return res, err
		}

		clock.Set(ad.ReceivedAt)
		if res.Advertisements == 0 && begin != nil {
			begin()
		}
		h.OnAdvertisementReceived(ad)
		res.Advertisements++
		res.Entries += len(ad.ManufacturerData)
	}
}
