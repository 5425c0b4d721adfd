package statemachine

import (
	"context"
	"log/slog"
	"sync"

	"aim-chat/inbox-engine/internal/events"
	"aim-chat/inbox-engine/internal/invites"
	"aim-chat/inbox-engine/internal/metrics"
	"aim-chat/inbox-engine/internal/storage"
	"aim-chat/inbox-engine/internal/streamproc"
	"aim-chat/inbox-engine/internal/syncing"
)

// DefaultRuntime wires the full per-episode runtime: the syncing
// manager, the invite join-request manager, and the hub observers for
// push-token and unsubscribe events. The returned factory is what a
// daemon passes as Config.Runtime.
func DefaultRuntime(log *slog.Logger, store *storage.Store, hub *events.Hub, m *metrics.Engine) RuntimeFactory {
	if log == nil {
		log = slog.Default()
	}
	return func(ctx context.Context, result ReadyResult) func() {
		inviteMgr := invites.NewManager(log, result.Identity, m)
		proc := streamproc.New(log, store, result.API, inviteMgr, m)
		syncMgr := syncing.NewManager(log, result.Client, result.API, store, proc, hub, m)

		syncMgr.Start(ctx)
		inviteMgr.Start(ctx, result.Client)

		var wg sync.WaitGroup
		var cancelSub func()
		if hub != nil {
			ch, cancel := hub.Subscribe(
				events.PushTokenChanged,
				events.AppForegrounded,
				events.ConversationUnsubscribeRequested,
				events.UnregisterAllRequested,
			)
			cancelSub = cancel
			wg.Add(1)
			go func() {
				defer wg.Done()
				observeBackendEvents(ctx, log, store, result, ch)
			}()
		}

		return func() {
			if cancelSub != nil {
				cancelSub()
			}
			syncMgr.Wait()
			inviteMgr.Wait()
			wg.Wait()
		}
	}
}

func observeBackendEvents(ctx context.Context, log *slog.Logger, store *storage.Store, result ReadyResult, ch <-chan events.Event) {
	installationID := result.Client.InstallationID()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			switch ev.Kind {
			case events.PushTokenChanged:
				token, _ := ev.Payload.(string)
				if token == "" {
					continue
				}
				if store != nil {
					if err := store.SetDeviceToken(ctx, token); err != nil {
						log.Warn("device token persist failed", "reason", err.Error())
					}
				}
				if err := result.API.RegisterPushToken(ctx, installationID, token); err != nil {
					log.Warn("push token registration failed", "reason", err.Error())
				}
			case events.AppForegrounded:
				if store == nil {
					continue
				}
				token, err := store.DeviceToken(ctx)
				if err != nil || token == "" {
					continue
				}
				if err := result.API.RegisterPushToken(ctx, installationID, token); err != nil {
					log.Warn("push token re-registration failed", "reason", err.Error())
				}
			case events.ConversationUnsubscribeRequested:
				conversationID, _ := ev.Payload.(string)
				if conversationID == "" {
					continue
				}
				topics := []string{"conversation/" + conversationID}
				if err := result.API.UnsubscribeFromTopics(ctx, installationID, topics); err != nil {
					log.Warn("topic unsubscribe failed", "conversation_id", conversationID, "reason", err.Error())
				}
			case events.UnregisterAllRequested:
				if err := result.API.UnregisterInstallation(ctx, installationID); err != nil {
					log.Warn("installation unregister failed", "reason", err.Error())
				}
			}
		}
	}
}
