package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v4"
	"github.com/jackc/pgx/v4/pgxpool"

	"live-quiz-service/internal/domain"
)

// Gateway reads quiz content and writes tournament results in Postgres.
type Gateway struct {
	pool *pgxpool.Pool
}

func NewGateway(pool *pgxpool.Pool) *Gateway {
	return &Gateway{pool: pool}
}

const quizColumns = `id, name, teacher_id, question_uids, COALESCE(tournament_code, '')`

func (g *Gateway) FindQuizByID(ctx context.Context, quizID string) (domain.Quiz, error) {
	row := g.pool.QueryRow(ctx, `SELECT `+quizColumns+` FROM quizzes WHERE id=$1`, quizID)
	return scanQuiz(row)
}

func (g *Gateway) FindQuizByTournamentCode(ctx context.Context, code string) (domain.Quiz, error) {
	row := g.pool.QueryRow(ctx, `SELECT `+quizColumns+` FROM quizzes WHERE tournament_code=$1`, code)
	return scanQuiz(row)
}

func scanQuiz(row pgx.Row) (domain.Quiz, error) {
	var quiz domain.Quiz
	err := row.Scan(&quiz.ID, &quiz.Name, &quiz.TeacherID, &quiz.QuestionUIDs, &quiz.TournamentCode)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Quiz{}, domain.ErrQuizNotFound
	}
	if err != nil {
		return domain.Quiz{}, fmt.Errorf("load quiz: %w", err)
	}
	return quiz, nil
}

func (g *Gateway) FindQuestionsByUIDs(ctx context.Context, uids []string) ([]domain.Question, error) {
	if len(uids) == 0 {
		return nil, nil
	}
	rows, err := g.pool.Query(ctx, `
		SELECT uid, text, type, answers, time_seconds, level, discipline, explanation, expected, tolerance
		FROM questions WHERE uid = ANY($1)`, uids)
	if err != nil {
		return nil, fmt.Errorf("load questions: %w", err)
	}
	defer rows.Close()

	var out []domain.Question
	for rows.Next() {
		var (
			q       domain.Question
			qType   string
			answers []byte
		)
		if err := rows.Scan(&q.UID, &q.Text, &qType, &answers, &q.TimeSeconds, &q.Level, &q.Discipline, &q.Explanation, &q.Expected, &q.Tolerance); err != nil {
			return nil, fmt.Errorf("scan question: %w", err)
		}
		q.Type = domain.QuestionType(qType)
		if err := json.Unmarshal(answers, &q.Answers); err != nil {
			return nil, fmt.Errorf("unmarshal answers of %s: %w", q.UID, err)
		}
		out = append(out, q)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("load questions: %w", err)
	}
	return out, nil
}

func (g *Gateway) FindTournamentByCode(ctx context.Context, code string) (domain.Tournament, error) {
	var (
		t      domain.Tournament
		status string
	)
	err := g.pool.QueryRow(ctx, `
		SELECT id, code, name, question_uids, status, started_at, ended_at
		FROM tournaments WHERE code=$1`, code).
		Scan(&t.ID, &t.Code, &t.Name, &t.QuestionUIDs, &status, &t.StartedAt, &t.EndedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Tournament{}, domain.ErrTournamentNotFound
	}
	if err != nil {
		return domain.Tournament{}, fmt.Errorf("load tournament: %w", err)
	}
	t.Status = domain.TournamentStatus(status)
	return t, nil
}

// UpsertPlayer returns the player behind cookieID, creating it on first sight.
// Empty name or avatar keep the stored values.
func (g *Gateway) UpsertPlayer(ctx context.Context, cookieID, name, avatar string) (domain.Player, error) {
	p := domain.Player{CookieID: cookieID}
	err := g.pool.QueryRow(ctx, `
		INSERT INTO players (id, cookie_id, name, avatar) VALUES ($1, $2, $3, $4)
		ON CONFLICT (cookie_id) DO UPDATE SET
			name   = COALESCE(NULLIF(EXCLUDED.name, ''), players.name),
			avatar = COALESCE(NULLIF(EXCLUDED.avatar, ''), players.avatar)
		RETURNING id, name, avatar`, uuid.NewString(), cookieID, name, avatar).
		Scan(&p.ID, &p.Name, &p.Avatar)
	if err != nil {
		return domain.Player{}, fmt.Errorf("upsert player: %w", err)
	}
	return p, nil
}

func (g *Gateway) UpsertScore(ctx context.Context, tournamentID, participantID string, score float64) error {
	_, err := g.pool.Exec(ctx, `
		INSERT INTO scores (tournament_id, player_id, score, updated_at) VALUES ($1, $2, $3, now())
		ON CONFLICT (tournament_id, player_id) DO UPDATE SET score = EXCLUDED.score, updated_at = now()`,
		tournamentID, participantID, score)
	if err != nil {
		return fmt.Errorf("upsert score: %w", err)
	}
	return nil
}

func (g *Gateway) UpdateTournamentStatus(ctx context.Context, code string, update domain.TournamentUpdate) error {
	var leaderboard any
	if update.Leaderboard != nil {
		raw, err := json.Marshal(update.Leaderboard)
		if err != nil {
			return fmt.Errorf("marshal leaderboard: %w", err)
		}
		leaderboard = string(raw)
	}
	tag, err := g.pool.Exec(ctx, `
		UPDATE tournaments SET
			status      = $2,
			started_at  = COALESCE($3, started_at),
			ended_at    = COALESCE($4, ended_at),
			leaderboard = COALESCE($5::jsonb, leaderboard)
		WHERE code=$1`, code, string(update.Status), update.StartedAt, update.EndedAt, leaderboard)
	if err != nil {
		return fmt.Errorf("update tournament %s: %w", code, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrTournamentNotFound
	}
	return nil
}
