package oracles

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

type Oracle struct {
	Name string
	SQL  string
}

// All returns queries that must yield no rows while the system is consistent.
func All() []Oracle {
	return []Oracle{
		{
			Name: "O1_aggregate_matches_signers",
			SQL: `WITH agg AS (
                      SELECT envelope_id,
                             COUNT(*) AS n,
                             BOOL_OR(status = 'VOIDED') AS any_voided,
                             BOOL_AND(status = 'COMPLETED') AS all_completed,
                             BOOL_AND(status IN ('DELIVERED','COMPLETED')) AS all_delivered
                      FROM envelope_signers GROUP BY envelope_id)
                  SELECT e.id, e.document_status FROM envelopes e
                  LEFT JOIN agg ON agg.envelope_id = e.id
                  WHERE e.document_status <> CASE
                      WHEN agg.n IS NULL THEN 'PENDING'
                      WHEN agg.any_voided THEN 'VOIDED'
                      WHEN agg.all_completed THEN 'COMPLETED'
                      WHEN agg.all_delivered THEN 'DELIVERED'
                      ELSE 'SENT' END`,
		},
		{
			Name: "O2_void_is_absolute",
			SQL: `SELECT s.envelope_id, s.signer_index, s.status FROM envelope_signers s
                  JOIN envelopes e ON e.id = s.envelope_id
                  WHERE e.document_status = 'VOIDED' AND s.status <> 'VOIDED'`,
		},
		{
			Name: "O3_completed_has_artifact",
			SQL: `SELECT envelope_id, signer_index FROM envelope_signers
                  WHERE status = 'COMPLETED' AND (completed_at IS NULL OR signed_pdf IS NULL)`,
		},
		{
			Name: "O4_version_matches_timeline",
			SQL: `SELECT e.id, e.version, COUNT(ev.id) FROM envelopes e
                  LEFT JOIN envelope_events ev ON ev.envelope_id = e.id
                  GROUP BY e.id, e.version
                  HAVING e.version <> COUNT(ev.id)`,
		},
		{
			Name: "O5_outbox_row_per_event",
			SQL: `WITH ev AS (SELECT envelope_id::text AS k, COUNT(*) AS n FROM envelope_events GROUP BY envelope_id),
                       ob AS (SELECT key AS k, COUNT(*) AS n FROM outbox GROUP BY key)
                  SELECT ev.k, ev.n, ob.n FROM ev LEFT JOIN ob ON ob.k = ev.k
                  WHERE ob.n IS DISTINCT FROM ev.n`,
		},
		{
			Name: "O6_outbox_not_stuck",
			SQL: `SELECT id, topic, status, attempts FROM outbox
                  WHERE status IN ('pending','processing')
                    AND now() - created_at > interval '5 minutes'`,
		},
	}
}

// Run executes all oracles and returns the first failure (name and sample row
// text), or an empty name if every oracle passes.
func Run(ctx context.Context, pool *pgxpool.Pool) (string, string, error) {
	for _, o := range All() {
		rows, err := pool.Query(ctx, o.SQL)
		if err != nil {
			return o.Name, "", fmt.Errorf("oracle %s: %w", o.Name, err)
		}
		if rows.Next() {
			vals, err := rows.Values()
			rows.Close()
			if err != nil {
				return o.Name, "", err
			}
			return o.Name, fmt.Sprintf("%v", vals), nil
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return o.Name, "", fmt.Errorf("oracle %s: %w", o.Name, err)
		}
	}
	return "", "", nil
}
