package samples

import (
	"context"
	"fmt"
	"sync"

	"github.com/vaultkit/sidecar/internal/plugin"
)

// Branches demonstrates the registry's "always replace, override flag
// only changes whether a warning is logged" rule: it intentionally
// re-registers chat.get_history (normally owned by Memory) with
// branch-aware behavior, passing override=true so the replacement is
// silent instead of logged as a surprise.
type Branches struct {
	plugin.Base

	mu       sync.Mutex
	branches map[string][]string // conversation_id -> branch ids
}

// NewBranches is the Factory registered for the "chat_branches" plugin id.
func NewBranches(deps plugin.Deps) plugin.Plugin {
	return &Branches{Base: plugin.NewBase("chat_branches", deps), branches: make(map[string][]string)}
}

func (b *Branches) RegisterCommands() error {
	b.Registry.Register("chat.create_branch", b.createBranch, "chat_branches", false)
	b.Registry.Register("chat.list_branches", b.listBranches, "chat_branches", false)
	// Deliberate override of a command another plugin may already own.
	b.Registry.Register("chat.get_history", b.getHistory, "chat_branches", true)
	return nil
}

func (b *Branches) OnLoad(ctx context.Context) error { return nil }

func (b *Branches) OnClientConnected(ctx context.Context) error { return nil }

func (b *Branches) OnUnload(ctx context.Context) error { return nil }

func (b *Branches) createBranch(ctx context.Context, params map[string]any) (any, error) {
	conversationID, _ := params["conversation_id"].(string)
	branchID, _ := params["branch_id"].(string)
	if conversationID == "" || branchID == "" {
		return nil, fmt.Errorf("conversation_id and branch_id are required")
	}

	b.mu.Lock()
	b.branches[conversationID] = append(b.branches[conversationID], branchID)
	b.mu.Unlock()

	b.UpdateState("active_branch", branchID)
	return map[string]any{"status": "ok", "branch_id": branchID}, nil
}

func (b *Branches) listBranches(ctx context.Context, params map[string]any) (any, error) {
	conversationID, _ := params["conversation_id"].(string)
	b.mu.Lock()
	defer b.mu.Unlock()
	return map[string]any{"conversation_id": conversationID, "branches": b.branches[conversationID]}, nil
}

// getHistory shadows Memory's command of the same name, annotating the
// result with the conversation's known branches. Falls back to
// invoking Memory's own handler is deliberately not done here — in a
// real installation a branch-aware plugin would depend on Memory's
// stored rows directly; this sample only demonstrates the override
// mechanism, not branch-aware replay.
func (b *Branches) getHistory(ctx context.Context, params map[string]any) (any, error) {
	conversationID, _ := params["conversation_id"].(string)
	b.mu.Lock()
	branches := append([]string(nil), b.branches[conversationID]...)
	b.mu.Unlock()
	return map[string]any{
		"conversation_id": conversationID,
		"history":         []map[string]any{},
		"branches":        branches,
		"note":            "history replaced by chat_branches override",
	}, nil
}
