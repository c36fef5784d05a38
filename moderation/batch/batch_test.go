package batch

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dhruvmish/moderation-agent/moderation/engine"
	"github.com/dhruvmish/moderation-agent/moderation/ledger"
	"github.com/dhruvmish/moderation-agent/moderation/score"
)

const sampleCSV = `timestamp,user_id,channel,text
2024-03-01 10:00:00,u1,general,hello everyone
2024-03-01 10:01:00,u2,general,you idiot
2024-03-01 10:02:00,u3,general,
not a date,u4,random,i will find you
,u5,random,i will hurt you
2024-03-01 10:05:00,u6,support,honestly i want to end my life
`

func TestReadCSV(t *testing.T) {
	assert := assert.New(t)

	in, err := ReadCSV(strings.NewReader(sampleCSV))
	require.NoError(t, err)
	require.Len(t, in.Rows, 5)
	require.Len(t, in.Skipped, 1)
	assert.Equal(Skip{Line: 4, Reason: "missing text"}, in.Skipped[0])

	first := in.Rows[0]
	assert.Equal(2, first.Line)
	assert.Equal("u1", first.UserID)
	assert.Equal("general", first.Channel)
	assert.Equal(time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC), first.Timestamp)
	assert.True(in.Rows[2].Timestamp.IsZero())

	_, err = ReadCSV(strings.NewReader("user_id,channel\nu1,general\n"))
	assert.Error(err)
}

func TestReadNDJSON(t *testing.T) {
	assert := assert.New(t)
	data := `{"timestamp":"2024-03-01T10:00:00Z","user_id":"u1","channel":"general","text":"hello"}

{"user_id":"u2","channel":"general"}
{not json
{"user_id":"u3","text":42}
`
	in, err := ReadNDJSON(strings.NewReader(data))
	require.NoError(t, err)
	require.Len(t, in.Rows, 2)
	assert.Equal("hello", in.Rows[0].Text)
	assert.Equal("42", in.Rows[1].Text)
	assert.Equal("", in.Rows[1].Channel)
	assert.Equal([]Skip{{Line: 3, Reason: "missing text"}, {Line: 4, Reason: "invalid json"}}, in.Skipped)
}

func TestReadNDJSONNumericFields(t *testing.T) {
	assert := assert.New(t)
	data := `{"timestamp":1709287200,"user_id":42,"channel":-1001234567890123,"text":"you are an idiot"}
{"user_id":7,"text":"hi"} trailing
{"user_id":true,"timestamp":"not a date","text":"ok"}
`
	in, err := ReadNDJSON(strings.NewReader(data))
	require.NoError(t, err)
	require.Len(t, in.Rows, 2)

	row := in.Rows[0]
	assert.Equal("42", row.UserID)
	assert.Equal("-1001234567890123", row.Channel)
	assert.Equal("you are an idiot", row.Text)
	assert.True(row.Timestamp.Equal(time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)))

	assert.Equal("true", in.Rows[1].UserID)
	assert.True(in.Rows[1].Timestamp.IsZero())
	assert.Equal([]Skip{{Line: 2, Reason: "invalid json"}}, in.Skipped)
}

func TestReadFileRejectsUnknownFormat(t *testing.T) {
	path := filepath.Join(t.TempDir(), "log.txt")
	require.NoError(t, os.WriteFile(path, []byte("hi"), 0o644))
	_, err := ReadFile(path)
	assert.ErrorIs(t, err, ErrUnsupportedFormat)
}

func TestRunWritesDigest(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()

	eng := engine.TestFixture()
	sc := eng.Scorer.(*engine.FakeScorer)
	sc.Set("you idiot", score.Vector{"toxic": 0.9, "insult": 0.7}, 0)
	sc.Set("i will find you", score.Vector{"threat": 0.6}, 0)
	sc.Set("i will hurt you", score.Vector{"threat": 0.9, "toxic": 0.8}, 0)

	dir := t.TempDir()
	path := filepath.Join(dir, "chat.csv")
	require.NoError(t, os.WriteFile(path, []byte(sampleCSV), 0o644))
	in, err := ReadFile(path)
	require.NoError(t, err)

	r := NewRunner(eng, filepath.Join(dir, "out"), nil)
	r.Clock = func() time.Time { return time.Date(2024, 3, 2, 0, 0, 0, 0, time.UTC) }
	sum, err := r.Run(ctx, path, in)
	require.NoError(t, err)

	assert.Equal(5, sum.Total)
	assert.Equal(1, sum.Skipped)
	assert.Equal(0, sum.Failed)
	assert.Equal(3, sum.Flagged)
	assert.Equal(2, sum.Escalated)
	assert.Equal(1, sum.Crisis)
	require.Len(t, sum.Escalations, 2)
	assert.GreaterOrEqual(sum.Escalations[0].Seriousness, sum.Escalations[1].Seriousness)
	require.Len(t, sum.Warnings, 1)
	assert.NotEqual("you idiot", sum.Warnings[0].Text)

	counts := map[string]int{}
	for _, lc := range sum.Labels {
		counts[lc.Label] = lc.Count
	}
	assert.Equal(2, counts["toxic"])
	assert.Equal(1, counts["insult"])
	assert.Equal(2, counts["threat"])
	assert.Equal(0, counts["obscene"])

	// same ledger writes as live moderation
	incs, err := eng.Ledger.Query(ctx, ledger.Filter{})
	require.NoError(t, err)
	assert.Len(incs, 4)
	for _, inc := range incs {
		assert.Equal(Platform, inc.Platform)
	}

	out, err := r.WriteDigest(sum)
	require.NoError(t, err)
	assert.Equal(filepath.Join(dir, "out", DigestFile), out)
	b, err := os.ReadFile(out)
	require.NoError(t, err)
	md := string(b)
	assert.Contains(md, "# Batch Moderation Report")
	assert.Contains(md, "- Total messages: 5")
	assert.Contains(md, "- Escalated: 2")
	assert.Contains(md, "- threat: 2")
	assert.NotContains(md, "u2")
}
