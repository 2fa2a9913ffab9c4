package rules

import (
	"context"
	"errors"
	"testing"
	"time"

	"comment-dm/internal/dmlog"
	"comment-dm/internal/domain"
	"comment-dm/internal/logging"
	"comment-dm/internal/ratelimit"
	"comment-dm/internal/repo"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubFollowers struct {
	followers map[string]bool
	err       error
	calls     int
}

func (s *stubFollowers) IsFollower(_ context.Context, _, authorID string) (bool, error) {
	s.calls++
	if s.err != nil {
		return false, s.err
	}
	return s.followers[authorID], nil
}

type matcherFixture struct {
	store     *repo.MemoryRepository
	followers *stubFollowers
	matcher   *Matcher
	now       time.Time
}

func newMatcherFixture(t *testing.T) *matcherFixture {
	t.Helper()
	store := repo.NewMemory()
	followers := &stubFollowers{followers: map[string]bool{}}
	m := NewMatcher(store, followers, ratelimit.New(store), dmlog.New(store, time.UTC), nil, logging.Discard())
	now := time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)
	m.now = func() time.Time { return now }
	return &matcherFixture{store: store, followers: followers, matcher: m, now: now}
}

func (f *matcherFixture) addRule(t *testing.T, rule domain.Rule) domain.Rule {
	t.Helper()
	if rule.UserID == "" {
		rule.UserID = "u1"
	}
	rule.Active = true
	saved, err := f.store.InsertRule(context.Background(), rule)
	require.NoError(t, err)
	return *saved
}

func (f *matcherFixture) rule(t *testing.T, id string) domain.Rule {
	t.Helper()
	r, err := f.store.GetRule(context.Background(), id)
	require.NoError(t, err)
	return *r
}

func comment(text string) domain.Comment {
	return domain.Comment{ID: "c1", Text: text, AuthorID: "a1", AuthorName: "jane.doe", PostRef: "https://instagram.com/p/1"}
}

func TestMatchNoRules(t *testing.T) {
	f := newMatcherFixture(t)
	res, err := f.matcher.Match(context.Background(), "u1", comment("thanks"))
	require.NoError(t, err)
	assert.False(t, res.Matched)
}

func TestMatchPriorityWins(t *testing.T) {
	f := newMatcherFixture(t)
	low := f.addRule(t, domain.Rule{Name: "low", Keywords: []string{"thanks"}, Priority: 5})
	high := f.addRule(t, domain.Rule{Name: "high", Keywords: []string{"thanks"}, Priority: 10})

	res, err := f.matcher.Match(context.Background(), "u1", comment("thanks so much!"))
	require.NoError(t, err)
	require.True(t, res.Matched)
	assert.Equal(t, high.ID, res.Rule.ID)
	assert.Equal(t, domain.DefaultMessage, res.Message)

	assert.EqualValues(t, 1, f.rule(t, high.ID).TotalTriggered)
	assert.EqualValues(t, 0, f.rule(t, low.ID).TotalTriggered)
}

func TestMatchTiesBreakByCreation(t *testing.T) {
	f := newMatcherFixture(t)
	first := f.addRule(t, domain.Rule{Keywords: []string{"hi"}, Priority: 1})
	f.addRule(t, domain.Rule{Keywords: []string{"hi"}, Priority: 1})

	res, err := f.matcher.Match(context.Background(), "u1", comment("hi"))
	require.NoError(t, err)
	assert.Equal(t, first.ID, res.Rule.ID)
}

func TestMatchSkipsEmptyKeywordRule(t *testing.T) {
	f := newMatcherFixture(t)
	empty := f.addRule(t, domain.Rule{Keywords: nil, Priority: 10})
	fallback := f.addRule(t, domain.Rule{Keywords: []string{"thanks"}, Priority: 1})

	res, err := f.matcher.Match(context.Background(), "u1", comment("thanks"))
	require.NoError(t, err)
	assert.Equal(t, fallback.ID, res.Rule.ID)
	assert.EqualValues(t, 0, f.rule(t, empty.ID).TotalTriggered)
}

func TestMatchGates(t *testing.T) {
	ctx := context.Background()
	ptr := func(v int) *int { return &v }

	t.Run("schedule window", func(t *testing.T) {
		f := newMatcherFixture(t)
		start := f.now.Add(time.Hour)
		f.addRule(t, domain.Rule{Keywords: []string{"thanks"}, ScheduledStartAt: &start})
		res, err := f.matcher.Match(ctx, "u1", comment("thanks"))
		require.NoError(t, err)
		assert.False(t, res.Matched)

		end := f.now.Add(time.Hour)
		past := f.now.Add(-time.Hour)
		f.addRule(t, domain.Rule{Keywords: []string{"thanks"}, ScheduledStartAt: &past, ScheduledEndAt: &end})
		res, err = f.matcher.Match(ctx, "u1", comment("thanks"))
		require.NoError(t, err)
		assert.True(t, res.Matched)
	})

	t.Run("length bounds", func(t *testing.T) {
		f := newMatcherFixture(t)
		f.addRule(t, domain.Rule{Keywords: []string{"hi"}, MinCommentLength: ptr(5), MaxCommentLength: ptr(10)})
		for text, want := range map[string]bool{"hi": false, "hi there": true, "hi there everyone": false} {
			res, err := f.matcher.Match(ctx, "u1", comment(text))
			require.NoError(t, err)
			assert.Equal(t, want, res.Matched, text)
		}
	})

	t.Run("follower", func(t *testing.T) {
		f := newMatcherFixture(t)
		f.addRule(t, domain.Rule{Keywords: []string{"hi"}, MustBeFollower: true})
		res, err := f.matcher.Match(ctx, "u1", comment("hi"))
		require.NoError(t, err)
		assert.False(t, res.Matched)

		f.followers.followers["a1"] = true
		res, err = f.matcher.Match(ctx, "u1", comment("hi"))
		require.NoError(t, err)
		assert.True(t, res.Matched)

		f.followers.err = errors.New("graph unavailable")
		res, err = f.matcher.Match(ctx, "u1", comment("hi"))
		require.NoError(t, err)
		assert.False(t, res.Matched)
	})

	t.Run("follower not checked when keywords miss", func(t *testing.T) {
		f := newMatcherFixture(t)
		f.addRule(t, domain.Rule{Keywords: []string{"hi"}, MustBeFollower: true})
		_, err := f.matcher.Match(ctx, "u1", comment("bye"))
		require.NoError(t, err)
		assert.Zero(t, f.followers.calls)
	})

	t.Run("cooldown", func(t *testing.T) {
		f := newMatcherFixture(t)
		f.addRule(t, domain.Rule{Keywords: []string{"hi"}, CooldownHours: 24})
		require.NoError(t, f.store.RecordContact(ctx, "u1", "a1", f.now.Add(-time.Hour)))
		res, err := f.matcher.Match(ctx, "u1", comment("hi"))
		require.NoError(t, err)
		assert.False(t, res.Matched)

		other := comment("hi")
		other.AuthorID = "a2"
		res, err = f.matcher.Match(ctx, "u1", other)
		require.NoError(t, err)
		assert.True(t, res.Matched)
	})

	t.Run("daily cap", func(t *testing.T) {
		f := newMatcherFixture(t)
		capped := f.addRule(t, domain.Rule{Keywords: []string{"hi"}, MaxDmsPerDay: 1})
		_, err := f.store.GrantCredits(ctx, domain.CreditGrant{UserID: "u1", Amount: 5})
		require.NoError(t, err)

		req := domain.DispatchRequest{UserID: "u1", RuleID: capped.ID, RecipientID: "a9", CommentText: "hi", PostRef: "p"}
		require.NoError(t, f.store.CommitSent(ctx, domain.SentCommit{
			Log:     domain.NewDmLog(req, domain.DmStatusSent),
			Credits: 1,
			At:      f.now,
		}))

		res, err := f.matcher.Match(ctx, "u1", comment("hi"))
		require.NoError(t, err)
		assert.False(t, res.Matched)
	})
}

func TestMatchRendersTemplateAndRequest(t *testing.T) {
	f := newMatcherFixture(t)
	ctx := context.Background()
	tpl, err := f.store.InsertTemplate(ctx, domain.Template{UserID: "u1", Content: "Hi {first_name}! Details for {post_title} coming up."})
	require.NoError(t, err)
	rule := f.addRule(t, domain.Rule{Keywords: []string{"price"}, TemplateID: &tpl.ID, CooldownHours: 24})

	c := comment("price?")
	res, err := f.matcher.Match(ctx, "u1", c)
	require.NoError(t, err)
	require.True(t, res.Matched)
	assert.Equal(t, "Hi jane! Details for https://instagram.com/p/1 coming up.", res.Message)

	req := res.Request("u1", c)
	assert.Equal(t, rule.ID, req.RuleID)
	assert.Equal(t, "a1", req.RecipientID)
	assert.Equal(t, "jane.doe", req.RecipientName)
	assert.Equal(t, "price?", req.CommentText)
	assert.Equal(t, 24, req.CooldownHours)
	require.NotNil(t, req.TemplateID)
	assert.Equal(t, tpl.ID, *req.TemplateID)
}
