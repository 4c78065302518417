package storage

import "time"

// User is the external-identity-keyed record (§3).
type User struct {
	ID         string
	ProfileRef string
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// Session is a (channel, channel_id) conversation locus for a user persona.
type Session struct {
	ID        string
	UserID    string
	Channel   string
	ChannelID string
	Persona   string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// MessageRole is the role of one conversation turn.
type MessageRole string

const (
	RoleUser      MessageRole = "user"
	RoleAssistant MessageRole = "assistant"
	RoleSystem    MessageRole = "system"
)

// Message is one turn in a session.
type Message struct {
	ID        string
	SessionID string
	Role      MessageRole
	Content   string
	ThreadID  string
	Seq       int64
	CreatedAt time.Time
}

// MemoryCategory classifies a durable fact about a user.
type MemoryCategory string

const (
	CategoryPreference MemoryCategory = "preference"
	CategoryFact       MemoryCategory = "fact"
	CategoryCorrection MemoryCategory = "correction"
	CategoryGeneral    MemoryCategory = "general"
)

// Memory is a durable fact about a user, optionally vector-indexed.
type Memory struct {
	ID            string
	UserID        string
	Category      MemoryCategory
	Content       string
	Tags          []string
	Pinned        bool
	AccessCount   int
	Embedding     []float32
	SourceSession string
	SourceChannel string
	ContentHash   string
	OriginDevice  string
	DeletedAt     *time.Time
	SyncedAt      *time.Time
	CloudID       string
	CreatedAt     time.Time
	UpdatedAt     time.Time
	AccessedAt    time.Time
}

// SkillPriority orders skills for collision resolution and eligibility.
type SkillPriority string

const (
	PriorityStandard SkillPriority = "standard"
	PriorityElevated SkillPriority = "elevated"
)

// SkillOrigin names where an installed skill came from.
type SkillOrigin string

const (
	OriginLocal          SkillOrigin = "local"
	OriginRemoteNamespace SkillOrigin = "remote-namespace"
	OriginBundled        SkillOrigin = "bundled"
	OriginPlugin         SkillOrigin = "plugin"
)

// Skill is an installed markdown skill with parsed front-matter metadata.
type Skill struct {
	ID                     string
	Name                   string
	Description            string
	Version                string
	Author                 string
	Tags                   []string
	Permissions            []string
	Body                   string
	SourceOrigin           SkillOrigin
	Enabled                bool
	Priority               SkillPriority
	AlwaysInclude          bool
	UserInvocable          bool
	DisableModelInvocation bool
	CommandName            string
	Emoji                  string
	RequiresEnv            []string
	RequiresBins           []string
	RequiresAnyBins        []string
	OSTags                 []string
	PrimaryEnv             string
	CommandDispatch        string
	CommandTool            string
	InstallSpec            string
	RequiresConfig         []string
	UserScope              string
	CreatedAt              time.Time
	UpdatedAt              time.Time
}

// PairedSender is a DM allowlist/pairing entry.
type PairedSender struct {
	ID            string
	SenderID      string
	Channel       string
	PairedAt      *time.Time
	PairingCode   string
	CodeExpiresAt *time.Time
}

// TelegramGroupConfig is a per-group override.
type TelegramGroupConfig struct {
	ChatID         string
	Title          string
	RequireMention *bool
	ReactionLevel  string
	AckEmoji       string
	DoneEmoji      string
	Enabled        bool
}
