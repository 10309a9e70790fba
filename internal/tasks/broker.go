package tasks

import "context"

// Broker is the shared store + broadcast channel used for multi-instance
// coordination. The mirror it holds is existence-only: the cancel handle for
// a task always lives on the instance that created it, so a broker can tell
// the fleet *that* a task exists but never stop it directly.
//
// All write operations are best-effort from the Tracker's point of view; a
// broker failure degrades cross-instance discoverability, never the owning
// instance's ability to manage its own tasks.
type Broker interface {
	// SaveTask mirrors a task's existence, keyed by task id with its
	// (possibly empty) chat id as the value.
	SaveTask(ctx context.Context, taskID, chatID string) error

	// CleanupTask removes the mirror entry and prunes the per-chat set if it
	// became empty. Must be idempotent.
	CleanupTask(ctx context.Context, taskID, chatID string) error

	// ListTasks returns every mirrored task id across the fleet.
	ListTasks(ctx context.Context) ([]string, error)

	// ListChatTasks returns the mirrored task ids for one chat. An unknown
	// chat yields an empty slice, not an error.
	ListChatTasks(ctx context.Context, chatID string) ([]string, error)

	// PublishCommand broadcasts a command to every subscribed instance.
	PublishCommand(ctx context.Context, cmd Command) error

	// SubscribeCommands subscribes to the broadcast channel and returns the
	// raw payload stream. The channel is closed when ctx is cancelled or the
	// broker shuts down.
	SubscribeCommands(ctx context.Context) (<-chan []byte, error)

	Close() error
}
