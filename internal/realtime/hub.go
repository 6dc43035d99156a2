package realtime

import "github.com/rs/zerolog"

// Hub owns the process-wide realtime connections: one channel per
// namespace, created on authentication and torn down on logout. It is
// injected into coordinators; none of them may assume exclusive ownership
// of a channel.
type Hub struct {
	Control *Channel
	Chat    *Channel
}

// NewHub builds the control and chat channels over the same dialer.
func NewHub(dial DialFunc, log zerolog.Logger) *Hub {
	return &Hub{
		Control: NewChannel(NamespaceControl, dial, log),
		Chat:    NewChannel(NamespaceChat, dial, log),
	}
}

// Connect establishes both namespaces for cred. On a partial failure the
// already-connected namespace is torn down again so the hub is never half
// up.
func (h *Hub) Connect(cred Credential) error {
	if err := h.Control.Connect(cred); err != nil {
		return err
	}
	if err := h.Chat.Connect(cred); err != nil {
		h.Control.Disconnect()
		return err
	}
	return nil
}

// Disconnect tears down both namespaces.
func (h *Hub) Disconnect() {
	h.Control.Disconnect()
	h.Chat.Disconnect()
}
