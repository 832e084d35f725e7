package db

import "fmt"

// schemaSQL returns the schema initialization SQL. dimension sizes the
// HNSW index on summary embeddings.
func schemaSQL(dimension int) string {
	return fmt.Sprintf(`
    -- ==========================================================================
    -- JOB TABLE
    -- ==========================================================================
    -- Checkpoints (chunks, partials, reduce levels) live on the job record so
    -- every write replaces one document atomically. version guards
    -- read-modify-write cycles.
    DEFINE TABLE IF NOT EXISTS job SCHEMALESS;
    DEFINE FIELD IF NOT EXISTS status ON job TYPE string;
    DEFINE FIELD IF NOT EXISTS version ON job TYPE int DEFAULT 0;
    DEFINE FIELD IF NOT EXISTS created_at ON job TYPE datetime;
    DEFINE FIELD IF NOT EXISTS updated_at ON job TYPE datetime;

    DEFINE INDEX IF NOT EXISTS job_status ON job FIELDS status;
    DEFINE INDEX IF NOT EXISTS job_updated ON job FIELDS updated_at;
    DEFINE INDEX IF NOT EXISTS job_created ON job FIELDS created_at;

    -- ==========================================================================
    -- SUMMARY TABLE (finished summaries for similarity search)
    -- ==========================================================================
    DEFINE TABLE IF NOT EXISTS summary SCHEMAFULL;
    DEFINE FIELD IF NOT EXISTS job_id ON summary TYPE string;
    DEFINE FIELD IF NOT EXISTS text ON summary TYPE string;
    DEFINE FIELD IF NOT EXISTS mode ON summary TYPE string;
    DEFINE FIELD IF NOT EXISTS embedding ON summary TYPE array<float>;
    DEFINE FIELD IF NOT EXISTS created_at ON summary TYPE datetime DEFAULT time::now();

    DEFINE INDEX IF NOT EXISTS summary_job ON summary FIELDS job_id;
    DEFINE INDEX IF NOT EXISTS summary_mode ON summary FIELDS mode;
    DEFINE INDEX IF NOT EXISTS summary_embedding ON summary FIELDS embedding HNSW DIMENSION %d DIST COSINE TYPE F32;
`, dimension)
}
