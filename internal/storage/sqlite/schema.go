package sqlite

import "github.com/steveyegge/sandboxd/internal/storage/migrations"

// schemaMigrations is the ordered schema history. Timestamps are unix
// milliseconds.
var schemaMigrations = []migrations.Migration{
	{
		Version:     1,
		Description: "projects, agent handles and turn messages",
		Up: `
-- Projects: only the sandbox columns are owned by this service
CREATE TABLE IF NOT EXISTS projects (
    id TEXT PRIMARY KEY,
    owner_id TEXT NOT NULL,
    title TEXT NOT NULL DEFAULT '' CHECK(length(title) <= 500),
    sandbox_id TEXT,
    sandbox_status TEXT NOT NULL DEFAULT 'none',
    sandbox_error TEXT,
    preview_url TEXT,
    created_at INTEGER NOT NULL,
    updated_at INTEGER NOT NULL,
    CHECK (sandbox_status != 'started' OR sandbox_id IS NOT NULL)
);

CREATE INDEX IF NOT EXISTS idx_projects_owner ON projects(owner_id);

-- Agent conversation handles: at most one per node
CREATE TABLE IF NOT EXISTS agent_handles (
    node_id TEXT NOT NULL,
    project_id TEXT NOT NULL,
    handle TEXT NOT NULL,
    created_at INTEGER NOT NULL,
    updated_at INTEGER NOT NULL,
    UNIQUE (node_id, project_id),
    FOREIGN KEY (project_id) REFERENCES projects(id) ON DELETE CASCADE
);

-- Turn messages: append-only conversation log per node
CREATE TABLE IF NOT EXISTS turn_messages (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    node_id TEXT NOT NULL,
    project_id TEXT NOT NULL,
    turn_key TEXT NOT NULL,
    role TEXT NOT NULL CHECK(role IN ('user', 'assistant', 'error')),
    content TEXT NOT NULL,
    created_at INTEGER NOT NULL,
    FOREIGN KEY (project_id) REFERENCES projects(id) ON DELETE CASCADE
);

CREATE INDEX IF NOT EXISTS idx_turn_messages_node ON turn_messages(project_id, node_id, id);
`,
		Down: `
DROP TABLE IF EXISTS turn_messages;
DROP TABLE IF EXISTS agent_handles;
DROP TABLE IF EXISTS projects;
`,
	},
}
