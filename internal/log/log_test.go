package log

import (
	"context"
	"strings"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
)

func TestWithLogFieldKeepsCommitment(t *testing.T) {
	commitment := strings.Repeat("0123456789abcdef", 4)
	ctx := WithLogField(context.Background(), "commitment", commitment)
	assert.Equal(t, commitment, L(ctx).Data["commitment"])
}

func TestWithLogFieldTruncatesLongValues(t *testing.T) {
	ctx := WithLogField(context.Background(), "body", strings.Repeat("x", 200))
	v := L(ctx).Data["body"].(string)
	assert.Len(t, v, maxFieldLength+3)
	assert.True(t, strings.HasSuffix(v, "..."))
}

func TestSetLevel(t *testing.T) {
	defer SetLevel("info")

	SetLevel("debug")
	assert.Equal(t, logrus.DebugLevel, logrus.GetLevel())
	SetLevel("warning")
	assert.Equal(t, logrus.WarnLevel, logrus.GetLevel())
	SetLevel("nonsense")
	assert.Equal(t, logrus.InfoLevel, logrus.GetLevel())
}

func TestRootLoggerWithoutContextValue(t *testing.T) {
	EnsureInit()
	assert.Equal(t, rootLogger, L(context.Background()))
}
