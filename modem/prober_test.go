package modem_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"i4.energy/across/loractl/modem"
)

// moduleAt simulates a module that only understands the line at baud and
// answers AT+VER with reply.
func moduleAt(baud int, reply string) *modem.TestDialer {
	return &modem.TestDialer{
		NewTransport: func(cfg modem.PortConfig) (*modem.TestTransport, error) {
			t := modem.NewTestTransport()
			if cfg.BaudRate == baud {
				t.OnWrite(modem.ReplyTable(map[string]string{"AT+VER": reply}))
			}
			return t, nil
		},
	}
}

func fastProber(t *testing.T, dialer modem.Dialer, port string, opts ...modem.ProberOption) *modem.Prober {
	t.Helper()
	base := []modem.ProberOption{
		modem.WithProbeEscape(fastEscape(modem.ATEscape())),
		modem.WithProbeWindow(100 * time.Millisecond),
		modem.WithProbePoll(5 * time.Millisecond),
	}
	p, err := modem.NewProber(dialer, port, append(base, opts...)...)
	require.NoError(t, err)
	return p
}

func TestProber_AcceptsRespondingBaud(t *testing.T) {
	dialer := moduleAt(57600, "OK VER 1.2\r\n")
	p := fastProber(t, dialer, "/dev/ttyPROBE0", modem.WithCandidates(115200, 57600))

	res, err := p.Probe(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 57600, res.BaudRate)
	assert.Contains(t, res.Reply, "OK VER 1.2")
	assert.Nil(t, res.Transport)
	assert.Equal(t, []int{115200, 57600}, dialer.Dialed())

	require.Len(t, res.Attempts, 2)
	assert.False(t, res.Attempts[0].Accepted)
	assert.Empty(t, res.Attempts[0].Reply)
	assert.True(t, res.Attempts[1].Accepted)

	stats := p.Stats()
	assert.GreaterOrEqual(t, stats.Rx, uint64(1))
	assert.Equal(t, uint64(2), stats.Tx)

	for _, tr := range dialer.Transports() {
		assert.Equal(t, 1, tr.CloseCount())
	}
	assert.False(t, modem.PortInUse("/dev/ttyPROBE0"))
}

func TestProber_SendsEscapeThenProbe(t *testing.T) {
	dialer := moduleAt(9600, "V1\r\n")
	p := fastProber(t, dialer, "/dev/ttyPROBE1", modem.WithCandidates(9600))

	_, err := p.Probe(context.Background())
	require.NoError(t, err)

	tr := dialer.Transports()[0]
	assert.Equal(t, "+++AT+VER\r\n", tr.Written())
}

func TestProber_NoResponsiveBaud(t *testing.T) {
	dialer := moduleAt(4800, "OK\r\n")
	p := fastProber(t, dialer, "/dev/ttyPROBE2", modem.WithCandidates(115200, 57600, 9600))

	res, err := p.Probe(context.Background())
	assert.Nil(t, res)
	require.ErrorIs(t, err, modem.ErrNoResponsiveBaud)
	assert.Equal(t, modem.KindNoResponsiveBaud, modem.Kind(err))
	assert.Contains(t, err.Error(), "/dev/ttyPROBE2")

	// Each candidate exactly once.
	assert.Equal(t, []int{115200, 57600, 9600}, dialer.Dialed())
	assert.Len(t, p.Attempts(), 3)
}

func TestProber_DialFailureMovesOn(t *testing.T) {
	dialer := &modem.TestDialer{
		NewTransport: func(cfg modem.PortConfig) (*modem.TestTransport, error) {
			if cfg.BaudRate == 115200 {
				return nil, errors.New("unsupported rate")
			}
			t := modem.NewTestTransport()
			t.OnWrite(modem.ReplyTable(map[string]string{"AT+VER": "OK\r\n"}))
			return t, nil
		},
	}
	p := fastProber(t, dialer, "/dev/ttyPROBE3", modem.WithCandidates(115200, 38400))

	res, err := p.Probe(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 38400, res.BaudRate)
	require.Len(t, res.Attempts, 2)
	assert.Error(t, res.Attempts[0].Err)
	assert.Equal(t, uint64(1), p.Stats().Errors)
}

func TestProber_AcceptancePredicate(t *testing.T) {
	dialer := &modem.TestDialer{
		NewTransport: func(cfg modem.PortConfig) (*modem.TestTransport, error) {
			t := modem.NewTestTransport()
			reply := "\xfe\xfe garbage\r\n"
			if cfg.BaudRate == 19200 {
				reply = "LoRa VER 2.0\r\n"
			}
			t.OnWrite(modem.ReplyTable(map[string]string{"AT+VER": reply}))
			return t, nil
		},
	}
	p := fastProber(t, dialer, "/dev/ttyPROBE4",
		modem.WithCandidates(115200, 19200),
		modem.WithAcceptance(modem.ContainsReply("VER")),
	)

	res, err := p.Probe(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 19200, res.BaudRate)
	// The undecodable reply at 115200 is counted once.
	assert.Equal(t, uint64(1), p.Stats().Errors)
}

func TestProber_KeepOpenHandsOverTransport(t *testing.T) {
	dialer := moduleAt(57600, "OK\r\n")
	p := fastProber(t, dialer, "/dev/ttyPROBE5", modem.WithCandidates(57600), modem.WithKeepOpen())

	res, err := p.Probe(context.Background())
	require.NoError(t, err)
	require.NotNil(t, res.Transport)

	tr := dialer.Transports()[0]
	assert.Equal(t, 0, tr.CloseCount())
	assert.True(t, modem.PortInUse("/dev/ttyPROBE5"))

	// The session adopts the transport and its claim on the same port.
	cfg, err := modem.NewConfigBuilder().
		WithTransport(res.Transport).
		WithPort("/dev/ttyPROBE5", res.BaudRate).
		Build()
	require.NoError(t, err)
	s, err := modem.Open(context.Background(), cfg)
	require.NoError(t, err)
	assert.Equal(t, modem.StateActive, s.State())
	require.NoError(t, s.Close())
	assert.Equal(t, 1, tr.CloseCount())
	assert.False(t, modem.PortInUse("/dev/ttyPROBE5"))
}

func TestProber_KeepOpenHoldsPort(t *testing.T) {
	dialer := moduleAt(57600, "OK\r\n")
	p := fastProber(t, dialer, "/dev/ttyPROBE9", modem.WithCandidates(57600), modem.WithKeepOpen())

	res, err := p.Probe(context.Background())
	require.NoError(t, err)
	require.NotNil(t, res.Transport)
	assert.True(t, modem.PortInUse("/dev/ttyPROBE9"))

	// Nobody else may open the port while the handle is out.
	other := moduleAt(57600, "OK\r\n")
	cfg, err := modem.NewConfigBuilder().
		WithDialer(other).
		WithPort("/dev/ttyPROBE9", 57600).
		Build()
	require.NoError(t, err)
	_, err = modem.Open(context.Background(), cfg)
	assert.ErrorIs(t, err, modem.ErrPortBusy)
	assert.Empty(t, other.Dialed())

	_, err = p.Probe(context.Background())
	assert.ErrorIs(t, err, modem.ErrPortBusy)

	// Closing the handle without a session gives the port back.
	require.NoError(t, res.Transport.Close())
	assert.Equal(t, 1, dialer.Transports()[0].CloseCount())
	assert.False(t, modem.PortInUse("/dev/ttyPROBE9"))

	s, err := modem.Open(context.Background(), cfg)
	require.NoError(t, err)
	require.NoError(t, s.Close())
}

func TestProber_PortBusy(t *testing.T) {
	cfg, err := modem.NewConfigBuilder().
		WithTransport(modem.NewTestTransport()).
		WithPort("/dev/ttyPROBE6", 9600).
		Build()
	require.NoError(t, err)
	s, err := modem.Open(context.Background(), cfg)
	require.NoError(t, err)
	defer s.Close()

	dialer := moduleAt(9600, "OK\r\n")
	p := fastProber(t, dialer, "/dev/ttyPROBE6")

	_, err = p.Probe(context.Background())
	assert.ErrorIs(t, err, modem.ErrPortBusy)
	assert.Empty(t, dialer.Dialed())
}

func TestProber_ContextCanceled(t *testing.T) {
	dialer := moduleAt(0, "")
	p := fastProber(t, dialer, "/dev/ttyPROBE7")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := p.Probe(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	assert.False(t, modem.PortInUse("/dev/ttyPROBE7"))
}

func TestProber_Repeatable(t *testing.T) {
	dialer := moduleAt(38400, "OK\r\n")
	p := fastProber(t, dialer, "/dev/ttyPROBE8", modem.WithCandidates(115200, 38400))

	for i := 0; i < 2; i++ {
		res, err := p.Probe(context.Background())
		require.NoError(t, err)
		assert.Equal(t, 38400, res.BaudRate)
		assert.Len(t, p.Attempts(), 2)
	}
	assert.Equal(t, []int{115200, 38400, 115200, 38400}, dialer.Dialed())
}

func TestNewProber_Validation(t *testing.T) {
	_, err := modem.NewProber(nil, "/dev/ttyUSB0")
	assert.ErrorIs(t, err, modem.ErrNoDialer)

	_, err = modem.NewProber(&modem.TestDialer{}, "")
	assert.ErrorIs(t, err, modem.ErrInvalidConfig)

	_, err = modem.NewProber(&modem.TestDialer{}, "/dev/ttyUSB0", modem.WithCandidates())
	assert.ErrorIs(t, err, modem.ErrInvalidConfig)

	_, err = modem.NewProber(&modem.TestDialer{}, "/dev/ttyUSB0", modem.WithCandidates(9600, -1))
	assert.ErrorIs(t, err, modem.ErrInvalidConfig)

	_, err = modem.NewProber(&modem.TestDialer{}, "/dev/ttyUSB0", modem.WithProbeCommand(" "))
	assert.ErrorIs(t, err, modem.ErrInvalidCommand)

	p, err := modem.NewProber(&modem.TestDialer{}, "/dev/ttyUSB0")
	require.NoError(t, err)
	assert.Equal(t, modem.DefaultBaudCandidates, p.Candidates())
}
