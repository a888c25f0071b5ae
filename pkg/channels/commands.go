package channels

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/bwmarrin/discordgo"
)

// Invocation is one prefix command as the handlers see it.
type Invocation struct {
	GuildID   string
	ChannelID string
	UserID    string
	Name      string
	// Args are the whitespace separated words after the command name and
	// Rest is everything after the name with spacing preserved.
	Args []string
	Rest string
}

// Reply is what a command sends back to its channel.
type Reply struct {
	Text string
	File *discordgo.File
	// After runs once the reply has been sent.
	After func(ctx context.Context)
}

// CommandHandler processes a prefix command and returns the reply.
type CommandHandler func(ctx context.Context, inv Invocation) (Reply, error)

// CommandEntry holds a registered command.
type CommandEntry struct {
	Name        string
	Usage       string
	Description string
	Handler     CommandHandler
}

// CommandRegistry is a thread-safe registry of prefix commands.
type CommandRegistry struct {
	mu       sync.RWMutex
	commands map[string]*CommandEntry
}

func NewCommandRegistry() *CommandRegistry {
	return &CommandRegistry{
		commands: make(map[string]*CommandEntry),
	}
}

// Register adds or replaces a command. name should not include the prefix.
func (r *CommandRegistry) Register(name, usage, description string, handler CommandHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.commands[name] = &CommandEntry{
		Name:        name,
		Usage:       usage,
		Description: description,
		Handler:     handler,
	}
}

func (r *CommandRegistry) Get(name string) (*CommandEntry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entry, ok := r.commands[name]
	return entry, ok
}

// List returns all registered commands sorted by name.
func (r *CommandRegistry) List() []*CommandEntry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entries := make([]*CommandEntry, 0, len(r.commands))
	for _, e := range r.commands {
		entries = append(entries, e)
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name < entries[j].Name
	})
	return entries
}

// parseCommand splits a message into a command invocation. ok is false when
// the message does not start with prefix or names no command.
func parseCommand(prefix, content string) (name string, args []string, rest string, ok bool) {
	if prefix == "" || !strings.HasPrefix(content, prefix) {
		return "", nil, "", false
	}
	body := strings.TrimLeft(content[len(prefix):], " \t")
	fields := strings.Fields(body)
	if len(fields) == 0 {
		return "", nil, "", false
	}
	name = strings.ToLower(fields[0])
	rest = strings.TrimSpace(body[len(fields[0]):])
	return name, fields[1:], rest, true
}

// helpText renders the command list for the help command.
func helpText(prefix string, entries []*CommandEntry) string {
	var b strings.Builder
	b.WriteString("**Commands**\n")
	for _, e := range entries {
		b.WriteString("`")
		b.WriteString(prefix)
		b.WriteString(e.Name)
		if e.Usage != "" {
			b.WriteString(" ")
			b.WriteString(e.Usage)
		}
		b.WriteString("` ")
		b.WriteString(e.Description)
		b.WriteString("\n")
	}
	b.WriteString("Messages starting with `;` are not read aloud.")
	return b.String()
}
