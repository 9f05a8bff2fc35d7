package registry

import (
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
)

type RegistryTestSuite struct {
	suite.Suite
	path string
	reg  *Registry
}

func (s *RegistryTestSuite) SetupTest() {
	logger := logrus.New()
	logger.SetLevel(logrus.WarnLevel)

	s.path = filepath.Join(s.T().TempDir(), "beeinformed", "beeinformed.cfg")
	reg, err := Open(s.path, logger)
	s.Require().NoError(err)
	s.reg = reg
}

func (s *RegistryTestSuite) TearDownTest() {
	s.NoError(s.reg.Close())
}

func (s *RegistryTestSuite) TestLookupOrRegisterIsIdempotent() {
	known, err := s.reg.LookupOrRegister("AA:BB:CC:DD:EE:01")
	s.Require().NoError(err)
	s.False(known, "first sighting MUST register the device as new")

	known, err = s.reg.LookupOrRegister("AA:BB:CC:DD:EE:01")
	s.Require().NoError(err)
	s.True(known, "second sighting MUST report the device as known")

	list, err := s.reg.List()
	s.Require().NoError(err)
	s.Equal([]string{"AA:BB:CC:DD:EE:01"}, list)

	st, err := os.Stat(s.path)
	s.Require().NoError(err)
	s.EqualValues(RecordSize, st.Size())
}

func (s *RegistryTestSuite) TestAddressIsMatchedCaseInsensitively() {
	_, err := s.reg.LookupOrRegister("aa:bb:cc:dd:ee:02")
	s.Require().NoError(err)

	known, err := s.reg.LookupOrRegister("AA:BB:CC:DD:EE:02")
	s.Require().NoError(err)
	s.True(known)
}

func (s *RegistryTestSuite) TestPrefixIsNotAMatch() {
	_, err := s.reg.LookupOrRegister("AA:BB:CC:DD:EE:0")
	s.Require().NoError(err)

	known, err := s.reg.LookupOrRegister("AA:BB:CC:DD:EE:03")
	s.Require().NoError(err)
	s.False(known, "only an exact address match counts as known")
}

func (s *RegistryTestSuite) TestConcurrentFirstSightingsYieldOneNew() {
	const n = 32
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		newCount int
		errs     []error
	)
	start := make(chan struct{})
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			known, err := s.reg.LookupOrRegister("AA:BB:CC:DD:EE:04")
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				errs = append(errs, err)
				return
			}
			if !known {
				newCount++
			}
		}()
	}
	close(start)
	wg.Wait()

	s.Empty(errs)
	s.Equal(1, newCount, "exactly one racing caller MUST see the address as new")

	list, err := s.reg.List()
	s.Require().NoError(err)
	s.Len(list, 1)
}

func (s *RegistryTestSuite) TestListKeepsRegistrationOrder() {
	addrs := []string{"AA:00:00:00:00:03", "AA:00:00:00:00:01", "AA:00:00:00:00:02"}
	for _, a := range addrs {
		_, err := s.reg.LookupOrRegister(a)
		s.Require().NoError(err)
	}
	list, err := s.reg.List()
	s.Require().NoError(err)
	s.Equal(addrs, list)
}

func (s *RegistryTestSuite) TestInvalidAddressesAreRejected() {
	for _, a := range []string{"", "   ", "AA BB", string(make([]byte, RecordSize))} {
		_, err := s.reg.LookupOrRegister(a)
		s.ErrorIs(err, ErrInvalidAddress, "address %q", a)
	}
}

func (s *RegistryTestSuite) TestSecondOpenIsLocked() {
	_, err := Open(s.path, logrus.New())
	s.ErrorIs(err, ErrLocked)
}

func (s *RegistryTestSuite) TestClosedRegistry() {
	s.Require().NoError(s.reg.Close())
	_, err := s.reg.LookupOrRegister("AA:BB:CC:DD:EE:05")
	s.ErrorIs(err, ErrClosed)
	s.NoError(s.reg.Close())
}

func TestRegistryTestSuite(t *testing.T) {
	suite.Run(t, new(RegistryTestSuite))
}

func TestRegistry_PersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "registry")

	reg, err := Open(path, nil)
	require.NoError(t, err)
	_, err = reg.LookupOrRegister("AA:BB:CC:DD:EE:06")
	require.NoError(t, err)
	require.NoError(t, reg.Close())

	reg, err = Open(path, nil)
	require.NoError(t, err)
	defer reg.Close()

	known, err := reg.LookupOrRegister("AA:BB:CC:DD:EE:06")
	require.NoError(t, err)
	assert.True(t, known, "a returning device MUST be recognized after restart")
}

func TestRegistry_TornTailIsDiscarded(t *testing.T) {
	path := filepath.Join(t.TempDir(), "registry")
	good := encode("AA:BB:CC:DD:EE:07")
	require.NoError(t, os.WriteFile(path, append(good, []byte("AA:BB")...), 0o644))

	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)
	reg, err := Open(path, logger)
	require.NoError(t, err)
	defer reg.Close()

	list, err := reg.List()
	require.NoError(t, err)
	assert.Equal(t, []string{"AA:BB:CC:DD:EE:07"}, list)

	_, err = reg.LookupOrRegister("AA:BB:CC:DD:EE:08")
	require.NoError(t, err)
	st, err := os.Stat(path)
	require.NoError(t, err)
	assert.EqualValues(t, 2*RecordSize, st.Size(), "records MUST stay aligned after repair")
}
