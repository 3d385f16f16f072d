package interceptor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/2beens/fitsync/internal/messaging"
	"github.com/2beens/fitsync/internal/syncer"

	log "github.com/sirupsen/logrus"
)

// Drainer is satisfied by *syncer.Engine.
type Drainer interface {
	Drain(ctx context.Context, trigger string) (syncer.Result, error)
}

// RegisterMessageHandlers answers the agent's requests on the message channel.
func RegisterMessageHandlers(server *messaging.Server, worker *Worker, drainer Drainer) {
	server.Handle(messaging.TypeGetVersion, func(ctx context.Context, msg messaging.Message) (messaging.Message, error) {
		return messaging.Message{Type: messaging.TypeVersionInfo, Version: worker.Version()}, nil
	})

	server.Handle(messaging.TypeSkipWaiting, func(ctx context.Context, msg messaging.Message) (messaging.Message, error) {
		promoted, err := worker.SkipWaiting(ctx)
		if err != nil {
			return messaging.Message{}, err
		}
		if promoted {
			log.Infof("interceptor: skip waiting, now serving %s", worker.Version())
		}
		return messaging.Message{Type: messaging.TypeAck, Version: worker.Version()}, nil
	})

	server.Handle(messaging.TypeCheckUpdate, func(ctx context.Context, msg messaging.Message) (messaging.Message, error) {
		before := worker.Status().WaitingVersion
		waiting, version, err := worker.CheckForUpdate(ctx)
		if err != nil {
			return messaging.Message{}, err
		}
		if waiting && version != before {
			n := server.Broadcast(messaging.Message{Type: messaging.TypeUpdateAvailable, Version: version, Waiting: true})
			log.Infof("interceptor: update %s waiting, notified %d subscribers", version, n)
		}
		return messaging.Message{Type: messaging.TypeAck, Waiting: waiting, Version: version}, nil
	})

	server.Handle(messaging.TypeForceReset, func(ctx context.Context, msg messaging.Message) (messaging.Message, error) {
		if err := worker.ForceReset(ctx); err != nil {
			return messaging.Message{}, fmt.Errorf("force reset: %w", err)
		}
		// the next page load registers again, do it right away
		if _, err := worker.Register(ctx); err != nil {
			return messaging.Message{}, fmt.Errorf("re-register after reset: %w", err)
		}
		return messaging.Message{Type: messaging.TypeAck, Version: worker.Version()}, nil
	})

	server.Handle(messaging.TypeSync, func(ctx context.Context, msg messaging.Message) (messaging.Message, error) {
		if msg.Tag != messaging.SyncTagFitnessData {
			return messaging.Message{}, fmt.Errorf("unknown sync tag %q", msg.Tag)
		}
		if drainer == nil {
			return messaging.Message{}, errors.New("background sync not configured")
		}
		res, err := drainer.Drain(ctx, syncer.TriggerBackgroundSync)
		if err != nil {
			return messaging.Message{}, err
		}
		data, err := json.Marshal(res.Summary())
		if err != nil {
			return messaging.Message{}, err
		}
		return messaging.Message{Type: messaging.TypeAck, Tag: msg.Tag, Data: data}, nil
	})
}

// RunBackgroundSync drains the queue every interval until ctx is done.
func RunBackgroundSync(ctx context.Context, drainer Drainer, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_, err := drainer.Drain(ctx, syncer.TriggerPeriodic)
			if err != nil && !errors.Is(err, syncer.ErrDrainInProgress) {
				log.Errorf("interceptor: background sync: %s", err)
			}
		}
	}
}
