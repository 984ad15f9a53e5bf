package storage

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"
)

const documentColumns = `id, filename, content_hash, stored_path, upload_time, status, chunk_count, total_chars, processing_method, error`

// ReasonSuperseded is recorded on a stale document whose hash is taken over
// by a later ingestion of the same content.
const ReasonSuperseded = "superseded: ingestion did not complete"

// ReserveDocument registers a new document in processing state together with
// its content hash and source path entries, in one transaction. It returns
// ErrDuplicateHash if the hash belongs to a completed or processing document.
// A hash held by a failed, missing or absent document is released first.
func (s *Store) ReserveDocument(ctx context.Context, d Document, p PathEntry) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning reserve transaction: %w", err)
	}
	defer tx.Rollback()

	var existing, status string
	err = tx.QueryRowContext(ctx, `
		SELECT h.document_id, COALESCE(d.status, '')
		FROM content_hashes h LEFT JOIN documents d ON d.id = h.document_id
		WHERE h.content_hash = ?`, d.ContentHash).Scan(&existing, &status)
	switch {
	case err == sql.ErrNoRows:
	case err != nil:
		return fmt.Errorf("checking content hash: %w", err)
	case status == StatusCompleted || status == StatusProcessing:
		return ErrDuplicateHash
	default:
		if _, err := tx.ExecContext(ctx, `
			UPDATE documents SET status = ?, error = ?, chunk_count = 0 WHERE id = ?`,
			StatusFailed, ReasonSuperseded, existing); err != nil {
			return fmt.Errorf("superseding document %s: %w", existing, err)
		}
		if err := releaseDocument(ctx, tx, existing); err != nil {
			return err
		}
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO documents (`+documentColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		d.ID, d.Filename, d.ContentHash, d.StoredPath, formatTime(d.UploadTime), StatusProcessing,
		0, 0, methodOrDefault(d.ProcessingMethod), nullString(d.Error),
	); err != nil {
		return fmt.Errorf("inserting document %s: %w", d.ID, err)
	}

	if _, err := tx.ExecContext(ctx, `INSERT INTO content_hashes (content_hash, document_id) VALUES (?, ?)`,
		d.ContentHash, d.ID); err != nil {
		return fmt.Errorf("inserting content hash: %w", err)
	}

	if p.SourcePath != "" {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO source_paths (source_path, document_id, stored_path, content_hash) VALUES (?, ?, ?, ?)
			ON CONFLICT(source_path) DO UPDATE SET document_id = excluded.document_id,
				stored_path = excluded.stored_path, content_hash = excluded.content_hash`,
			p.SourcePath, d.ID, p.StoredPath, d.ContentHash); err != nil {
			return fmt.Errorf("inserting source path: %w", err)
		}
	}

	return tx.Commit()
}

// CompleteDocument marks a processing document completed.
func (s *Store) CompleteDocument(ctx context.Context, id string, chunkCount, totalChars int, method string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE documents SET status = ?, chunk_count = ?, total_chars = ?, processing_method = ?, error = NULL
		WHERE id = ?`,
		StatusCompleted, chunkCount, totalChars, methodOrDefault(method), id)
	if err != nil {
		return fmt.Errorf("completing document %s: %w", id, err)
	}
	return expectOneRow(res)
}

// FailDocument marks a document failed with reason and releases its hash and
// path entries and any chunks already written, so the same content can be
// ingested again later.
func (s *Store) FailDocument(ctx context.Context, id, reason string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning fail transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `UPDATE documents SET status = ?, error = ?, chunk_count = 0 WHERE id = ?`,
		StatusFailed, reason, id)
	if err != nil {
		return fmt.Errorf("failing document %s: %w", id, err)
	}
	if err := expectOneRow(res); err != nil {
		return err
	}

	if err := releaseDocument(ctx, tx, id); err != nil {
		return err
	}
	return tx.Commit()
}

// releaseDocument drops the hash, path and chunk rows that reference id.
func releaseDocument(ctx context.Context, tx *sql.Tx, id string) error {
	for _, q := range []string{
		`DELETE FROM content_hashes WHERE document_id = ?`,
		`DELETE FROM source_paths WHERE document_id = ?`,
		`DELETE FROM chunk_vectors WHERE document_id = ?`,
	} {
		if _, err := tx.ExecContext(ctx, q, id); err != nil {
			return fmt.Errorf("releasing document %s: %w", id, err)
		}
	}
	return nil
}

// MarkDocumentMissing flags a document whose backing file or chunks are gone.
func (s *Store) MarkDocumentMissing(ctx context.Context, id, reason string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE documents SET status = ?, error = ? WHERE id = ?`,
		StatusMissing, reason, id)
	if err != nil {
		return fmt.Errorf("flagging document %s: %w", id, err)
	}
	return expectOneRow(res)
}

// GetDocument returns a document by ID.
func (s *Store) GetDocument(ctx context.Context, id string) (Document, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+documentColumns+` FROM documents WHERE id = ?`, id)
	d, err := scanDocument(row)
	if err == sql.ErrNoRows {
		return Document{}, ErrNotFound
	}
	return d, err
}

// ListDocuments returns every document ordered by upload time.
func (s *Store) ListDocuments(ctx context.Context) ([]Document, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+documentColumns+` FROM documents ORDER BY upload_time ASC, id ASC`)
	if err != nil {
		return nil, fmt.Errorf("listing documents: %w", err)
	}
	defer rows.Close()

	var docs []Document
	for rows.Next() {
		d, err := scanDocument(rows)
		if err != nil {
			return nil, err
		}
		docs = append(docs, d)
	}
	return docs, rows.Err()
}

// ListContentHashes returns the content hash to document ID index.
func (s *Store) ListContentHashes(ctx context.Context) (map[string]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT content_hash, document_id FROM content_hashes`)
	if err != nil {
		return nil, fmt.Errorf("listing content hashes: %w", err)
	}
	defer rows.Close()

	out := make(map[string]string)
	for rows.Next() {
		var hash, id string
		if err := rows.Scan(&hash, &id); err != nil {
			return nil, err
		}
		out[hash] = id
	}
	return out, rows.Err()
}

// ListSourcePaths returns the source path index.
func (s *Store) ListSourcePaths(ctx context.Context) (map[string]PathEntry, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT source_path, document_id, stored_path, content_hash FROM source_paths`)
	if err != nil {
		return nil, fmt.Errorf("listing source paths: %w", err)
	}
	defer rows.Close()

	out := make(map[string]PathEntry)
	for rows.Next() {
		var p PathEntry
		if err := rows.Scan(&p.SourcePath, &p.DocumentID, &p.StoredPath, &p.ContentHash); err != nil {
			return nil, err
		}
		out[p.SourcePath] = p
	}
	return out, rows.Err()
}

// ChunkCounts returns the number of indexed chunks per document ID.
func (s *Store) ChunkCounts(ctx context.Context) (map[string]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT document_id, COUNT(*) FROM chunk_vectors GROUP BY document_id`)
	if err != nil {
		return nil, fmt.Errorf("counting chunks: %w", err)
	}
	defer rows.Close()

	out := make(map[string]int)
	for rows.Next() {
		var id string
		var n int
		if err := rows.Scan(&id, &n); err != nil {
			return nil, err
		}
		out[id] = n
	}
	return out, rows.Err()
}

// DeleteDocuments removes documents and everything that references them.
func (s *Store) DeleteDocuments(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	in := `(?` + strings.Repeat(",?", len(ids)-1) + `)`

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning delete transaction: %w", err)
	}
	defer tx.Rollback()

	for _, q := range []string{
		`DELETE FROM chunk_vectors WHERE document_id IN ` + in,
		`DELETE FROM source_paths WHERE document_id IN ` + in,
		`DELETE FROM content_hashes WHERE document_id IN ` + in,
		`DELETE FROM documents WHERE id IN ` + in,
	} {
		if _, err := tx.ExecContext(ctx, q, args...); err != nil {
			return fmt.Errorf("deleting documents: %w", err)
		}
	}
	return tx.Commit()
}

// ResetDocuments empties the document registry and the chunk vectors.
func (s *Store) ResetDocuments(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning reset transaction: %w", err)
	}
	defer tx.Rollback()

	for _, table := range []string{"chunk_vectors", "source_paths", "content_hashes", "documents"} {
		if _, err := tx.ExecContext(ctx, "DELETE FROM "+table); err != nil {
			return fmt.Errorf("clearing %s: %w", table, err)
		}
	}
	return tx.Commit()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDocument(row rowScanner) (Document, error) {
	var d Document
	var uploadTime string
	var errText sql.NullString
	if err := row.Scan(&d.ID, &d.Filename, &d.ContentHash, &d.StoredPath, &uploadTime, &d.Status,
		&d.ChunkCount, &d.TotalChars, &d.ProcessingMethod, &errText); err != nil {
		return Document{}, err
	}
	t, err := time.Parse(time.RFC3339Nano, uploadTime)
	if err != nil {
		return Document{}, fmt.Errorf("parsing upload_time for document %s: %w", d.ID, err)
	}
	d.UploadTime = t
	d.Error = errText.String
	return d, nil
}

func expectOneRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		t = time.Now()
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func methodOrDefault(m string) string {
	if m == "" {
		return MethodStandard
	}
	return m
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
