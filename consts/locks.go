package consts

// MigrationAdvisoryLockID is the PostgreSQL advisory lock held while schema
// migrations run, so that a server and the admin tool never migrate at once.
const MigrationAdvisoryLockID = 58214407
