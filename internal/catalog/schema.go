package catalog

// SQLite keeps timestamps as Unix nanoseconds with ended_at 0 for an
// unfinished session; Postgres uses TIMESTAMPTZ with NULL.

const ddlSQLite = `
CREATE TABLE IF NOT EXISTS recordings (
    id              TEXT    PRIMARY KEY,
    path            TEXT    NOT NULL,
    started_at      INTEGER NOT NULL,
    sample_rate     INTEGER NOT NULL,
    bits_per_sample INTEGER NOT NULL,
    channels        INTEGER NOT NULL,
    frame_size      INTEGER NOT NULL,
    ended_at        INTEGER NOT NULL DEFAULT 0,
    frames          INTEGER NOT NULL DEFAULT 0,
    bytes           INTEGER NOT NULL DEFAULT 0,
    overruns        INTEGER NOT NULL DEFAULT 0,
    faults          INTEGER NOT NULL DEFAULT 0,
    outcome         TEXT    NOT NULL DEFAULT 'recording',
    error           TEXT    NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS idx_recordings_started_at ON recordings (started_at);
`

const ddlPostgres = `
CREATE TABLE IF NOT EXISTS recordings (
    id              TEXT        PRIMARY KEY,
    path            TEXT        NOT NULL,
    started_at      TIMESTAMPTZ NOT NULL,
    sample_rate     INTEGER     NOT NULL,
    bits_per_sample INTEGER     NOT NULL,
    channels        INTEGER     NOT NULL,
    frame_size      INTEGER     NOT NULL,
    ended_at        TIMESTAMPTZ,
    frames          BIGINT      NOT NULL DEFAULT 0,
    bytes           BIGINT      NOT NULL DEFAULT 0,
    overruns        BIGINT      NOT NULL DEFAULT 0,
    faults          INTEGER     NOT NULL DEFAULT 0,
    outcome         TEXT        NOT NULL DEFAULT 'recording',
    error           TEXT        NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS idx_recordings_started_at ON recordings (started_at DESC);
`
