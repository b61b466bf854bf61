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

func All() []Oracle {
	return []Oracle{
		{
			Name: "O1_audit_seq_gapless",
			SQL: `WITH seqs AS (
                      SELECT dispute_id, seq,
                             LAG(seq) OVER (PARTITION BY dispute_id ORDER BY seq) AS prev
                      FROM audit_events)
                  SELECT * FROM seqs WHERE prev IS NOT NULL AND seq <> prev + 1`,
		},
		{
			Name: "O2_audit_starts_at_one",
			SQL: `SELECT dispute_id, MIN(seq) FROM audit_events
                  GROUP BY dispute_id HAVING MIN(seq) <> 1`,
		},
		{
			Name: "O3_valid_status",
			SQL: `SELECT id, status FROM disputes
                  WHERE status NOT IN ('filed','awaiting_evidence','under_review',
                                       'escalated_specialist','escalated_manager',
                                       'approved','denied','resolved','closed_refunded')`,
		},
		{
			Name: "O4_evidence_bound",
			SQL: `SELECT dispute_id, COUNT(*) FROM evidence
                  GROUP BY dispute_id HAVING COUNT(*) > 25`,
		},
		{
			Name: "O5_no_pan_in_audit",
			SQL:  `SELECT dispute_id, seq FROM audit_events WHERE detail ~ '[0-9]{13,19}'`,
		},
		{
			Name: "O6_no_pan_in_evidence",
			SQL:  `SELECT id, dispute_id FROM evidence WHERE payload ~ '4539578763621486'`,
		},
		{
			Name: "O7_routed_item_state",
			SQL: `SELECT dispute_id, state FROM routed_items
                  WHERE state NOT IN ('none','queued','acknowledged','actioned')
                     OR (state = 'acknowledged' AND acknowledged_at IS NULL)
                     OR (state = 'actioned' AND actioned_at IS NULL)`,
		},
		{
			Name: "O8_settled_disputes_cleared",
			SQL: `SELECT d.id, d.status, r.state FROM disputes d
                  JOIN routed_items r ON r.dispute_id = d.id
                  WHERE d.status IN ('resolved','closed_refunded')
                    AND r.state <> 'none'
                    AND d.updated_at < now() - interval '5 seconds'`,
		},
		{
			Name: "O9_audit_append_only_trigger",
			SQL: `SELECT 'missing_append_only_trigger' AS detail
                  WHERE NOT EXISTS (SELECT 1 FROM pg_trigger WHERE tgname='no_rewrite_audit_events')`,
		},
	}
}

// Run executes all oracles and returns the first failure (name and sample row text) or empty name if all pass.
func Run(ctx context.Context, pool *pgxpool.Pool) (string, string, error) {
	for _, o := range All() {
		rows, err := pool.Query(ctx, o.SQL)
		if err != nil {
			return o.Name, "", fmt.Errorf("oracle %s: %w", o.Name, err)
		}
		has := rows.Next()
		if has {
			vals, err := rows.Values()
			rows.Close()
			if err != nil {
				return o.Name, "", err
			}
			return o.Name, fmt.Sprintf("%v", vals), nil
		}
		rows.Close()
	}
	return "", "", nil
}
