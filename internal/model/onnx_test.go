package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

var _ Session = (*onnxSession)(nil)

func TestONNXSession_ClosedRejectsRuns(t *testing.T) {
	s := &onnxSession{closed: true}

	_, err := s.Run([]float32{0}, []int64{1, 1}, newScope())
	assert.ErrorIs(t, err, errSessionClosed)
	assert.NoError(t, s.Close())
}
