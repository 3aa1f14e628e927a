package store

const schema = `
-- Tasks table
CREATE TABLE IF NOT EXISTS tasks (
    id TEXT PRIMARY KEY,
    repo TEXT NOT NULL,
    description TEXT NOT NULL DEFAULT '',
    status TEXT NOT NULL DEFAULT 'queued' CHECK(status IN (
        'queued','dispatched','running','evaluating','complete','retrying',
        'blocked','failed','cancelled','pr_review','review_triage','merging',
        'merged','deploying','deployed','verifying','verified','verify_failed'
    )),
    model TEXT NOT NULL DEFAULT '',
    retries INTEGER NOT NULL DEFAULT 0,
    max_retries INTEGER NOT NULL DEFAULT 3,
    escalations INTEGER NOT NULL DEFAULT 0,
    max_escalations INTEGER NOT NULL DEFAULT 2,
    rebase_attempts INTEGER NOT NULL DEFAULT 0,
    deploy_recovery INTEGER NOT NULL DEFAULT 0,
    session TEXT NOT NULL DEFAULT '',
    worktree TEXT NOT NULL DEFAULT '',
    branch TEXT NOT NULL DEFAULT '',
    log_file TEXT NOT NULL DEFAULT '',
    pr_url TEXT NOT NULL DEFAULT '',
    issue_url TEXT NOT NULL DEFAULT '',
    diagnostic_of TEXT NOT NULL DEFAULT '',
    triage_result TEXT NOT NULL DEFAULT '',
    error TEXT NOT NULL DEFAULT '',
    tags TEXT NOT NULL DEFAULT '',
    created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
    started_at DATETIME,
    completed_at DATETIME,
    updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
    CHECK (retries <= max_retries),
    CHECK (escalations <= max_escalations)
);

CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks(status);
CREATE INDEX IF NOT EXISTS idx_tasks_repo ON tasks(repo);
CREATE INDEX IF NOT EXISTS idx_tasks_created_at ON tasks(created_at);

-- Batches table
CREATE TABLE IF NOT EXISTS batches (
    id TEXT PRIMARY KEY,
    name TEXT NOT NULL DEFAULT '',
    concurrency INTEGER NOT NULL DEFAULT 4,
    max_concurrency INTEGER NOT NULL DEFAULT 0,
    load_factor REAL NOT NULL DEFAULT 1.0,
    release_on_complete INTEGER NOT NULL DEFAULT 0,
    release_type TEXT NOT NULL DEFAULT '',
    skip_quality_gate INTEGER NOT NULL DEFAULT 0,
    status TEXT NOT NULL DEFAULT 'active' CHECK(status IN (
        'active','paused','complete','cancelled'
    )),
    created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);

-- Batch membership (ordered). Composite primary key; rows follow their
-- batch or task when either is deleted.
CREATE TABLE IF NOT EXISTS batch_tasks (
    batch_id TEXT NOT NULL,
    task_id TEXT NOT NULL,
    position INTEGER NOT NULL DEFAULT 0,
    PRIMARY KEY (batch_id, task_id),
    FOREIGN KEY (batch_id) REFERENCES batches(id) ON DELETE CASCADE,
    FOREIGN KEY (task_id) REFERENCES tasks(id) ON DELETE CASCADE
);

CREATE INDEX IF NOT EXISTS idx_batch_tasks_task ON batch_tasks(task_id);

-- State log (append-only audit trail of task transitions)
CREATE TABLE IF NOT EXISTS state_log (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    task_id TEXT NOT NULL,
    from_state TEXT NOT NULL,
    to_state TEXT NOT NULL,
    reason TEXT NOT NULL DEFAULT '',
    created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
    FOREIGN KEY (task_id) REFERENCES tasks(id) ON DELETE CASCADE
);

CREATE INDEX IF NOT EXISTS idx_state_log_task ON state_log(task_id);
CREATE INDEX IF NOT EXISTS idx_state_log_created_at ON state_log(created_at);

-- Proof logs (append-only evidence for terminal transitions)
CREATE TABLE IF NOT EXISTS proof_logs (
    id TEXT PRIMARY KEY,
    task_id TEXT NOT NULL,
    event TEXT NOT NULL,
    stage TEXT NOT NULL DEFAULT '',
    decision TEXT NOT NULL DEFAULT '',
    evidence TEXT NOT NULL DEFAULT '',
    decided_by TEXT NOT NULL DEFAULT '',
    pr_url TEXT NOT NULL DEFAULT '',
    duration_ms INTEGER NOT NULL DEFAULT 0,
    metadata TEXT NOT NULL DEFAULT '{}',
    created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
    FOREIGN KEY (task_id) REFERENCES tasks(id) ON DELETE CASCADE
);

CREATE INDEX IF NOT EXISTS idx_proof_logs_task ON proof_logs(task_id);

-- Metadata table (internal state: applied migrations, learned stats)
CREATE TABLE IF NOT EXISTS metadata (
    key TEXT PRIMARY KEY,
    value TEXT NOT NULL
);
`
