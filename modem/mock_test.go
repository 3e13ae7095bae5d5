package modem_test

import (
	gomock "go.uber.org/mock/gomock"
	"i4.energy/across/loractl/modem"
)

type MockSequenceBuilder struct {
	transport *modem.MockTransport
	calls     []any
}

func NewMockSequence(transport *modem.MockTransport) *MockSequenceBuilder {
	return &MockSequenceBuilder{
		transport: transport,
		calls:     []any{},
	}
}

// ResetBuffers expects the input and output buffer reset that starts every
// handshake.
func (b *MockSequenceBuilder) ResetBuffers() *MockSequenceBuilder {
	b.calls = append(b.calls,
		b.transport.EXPECT().ResetInputBuffer().Return(nil),
		b.transport.EXPECT().ResetOutputBuffer().Return(nil),
	)
	return b
}

// Burst expects marker as a single write followed by a flush.
func (b *MockSequenceBuilder) Burst(marker []byte) *MockSequenceBuilder {
	b.calls = append(b.calls,
		b.transport.EXPECT().Write(marker).Return(len(marker), nil),
		b.transport.EXPECT().Flush().Return(nil),
	)
	return b
}

// Discrete expects marker one byte at a time, each flushed.
func (b *MockSequenceBuilder) Discrete(marker []byte) *MockSequenceBuilder {
	for _, c := range marker {
		b.calls = append(b.calls,
			b.transport.EXPECT().Write([]byte{c}).Return(1, nil),
			b.transport.EXPECT().Flush().Return(nil),
		)
	}
	return b
}

// Command expects cmd framed with CRLF and flushed.
func (b *MockSequenceBuilder) Command(cmd string) *MockSequenceBuilder {
	frame := []byte(cmd + "\r\n")
	b.calls = append(b.calls,
		b.transport.EXPECT().Write(frame).Return(len(frame), nil),
		b.transport.EXPECT().Flush().Return(nil),
	)
	return b
}

// Reply makes the next read return resp.
func (b *MockSequenceBuilder) Reply(resp string) *MockSequenceBuilder {
	b.calls = append(b.calls,
		b.transport.EXPECT().Read(gomock.Any()).DoAndReturn(func(p []byte) (int, error) {
			return copy(p, resp), nil
		}),
	)
	return b
}

// Silence makes every further read time out empty.
func (b *MockSequenceBuilder) Silence() *MockSequenceBuilder {
	b.calls = append(b.calls,
		b.transport.EXPECT().Read(gomock.Any()).Return(0, nil).AnyTimes(),
	)
	return b
}

func (b *MockSequenceBuilder) Build() []any {
	return b.calls
}
