package state

import (
	"fmt"
	"sync"
	"testing"

	"github.com/juju/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	chatter    = "/chatter"
	stringType = "std_msgs/String"
)

func TestRegisterPublisherIsIdempotent(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.RegisterPublisher("/talker", chatter, stringType, "http://talker:5678"))
	require.NoError(t, r.RegisterPublisher("/talker", chatter, stringType, "http://talker:5678"))

	assert.Equal(t, []string{"/talker"}, r.Publishers(chatter))
	assert.Equal(t, []string{"http://talker:5678"}, r.PublisherURIs(chatter))
}

func TestRegistrationOrderIsPreserved(t *testing.T) {
	r := NewRegistry()
	for _, name := range []string{"/c", "/a", "/b"} {
		require.NoError(t, r.RegisterSubscriber(name, chatter, stringType, "http://"+name[1:]+":1"))
	}
	assert.Equal(t, []string{"/c", "/a", "/b"}, r.Subscribers(chatter))
	assert.Equal(t, []string{"http://c:1", "http://a:1", "http://b:1"}, r.SubscriberURIs(chatter))

	assert.Equal(t, 1, r.UnregisterSubscriber("/a", chatter, "http://a:1"))
	assert.Equal(t, []string{"/c", "/b"}, r.Subscribers(chatter))
}

func TestUnregisterAbsentIsNoop(t *testing.T) {
	r := NewRegistry()
	assert.Equal(t, 0, r.UnregisterPublisher("/ghost", chatter, "http://ghost:1"))

	require.NoError(t, r.RegisterPublisher("/talker", chatter, stringType, "http://talker:5678"))
	assert.Equal(t, 0, r.UnregisterPublisher("/ghost", chatter, "http://ghost:1"))
	assert.Equal(t, 0, r.UnregisterSubscriber("/talker", chatter, "http://talker:5678"))
	assert.Equal(t, 0, r.UnregisterPublisher("/talker", "/other", "http://talker:5678"))
	assert.Equal(t, []string{"/talker"}, r.Publishers(chatter))
}

func TestUnregisterRequiresMatchingURI(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.RegisterPublisher("/talker", chatter, stringType, "http://talker:5678"))

	assert.Equal(t, 0, r.UnregisterPublisher("/talker", chatter, "http://stale:1"))
	assert.Equal(t, 1, r.UnregisterPublisher("/talker", chatter, "http://talker:5678"))
	assert.Equal(t, 0, r.UnregisterPublisher("/talker", chatter, "http://talker:5678"))
}

func TestTypeMismatchLeavesTopicUntouched(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.RegisterPublisher("/talker", chatter, stringType, "http://talker:5678"))

	err := r.RegisterPublisher("/other", chatter, "std_msgs/Int32", "http://other:1")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrTypeMismatch))

	err = r.RegisterSubscriber("/listener", chatter, "std_msgs/Int32", "http://listener:1234")
	assert.True(t, errors.Is(err, ErrTypeMismatch))

	typ, ok := r.TopicType(chatter)
	require.True(t, ok)
	assert.Equal(t, stringType, typ)
	assert.Equal(t, []string{"/talker"}, r.Publishers(chatter))
	assert.Empty(t, r.Subscribers(chatter))
	_, known := r.LookupNode("/other")
	assert.False(t, known, "a rejected registration must not create the node")
}

func TestConfirmRepinsConflictingType(t *testing.T) {
	r := NewRegistry(WithEviction(false))
	require.NoError(t, r.RegisterPublisher("/talker", chatter, stringType, "http://talker:5678"))
	r.UnregisterPublisher("/talker", chatter, "http://talker:5678")

	replaced, err := r.ConfirmPublisher("/talker2", chatter, "std_msgs/Int32", "http://talker2:1")
	require.NoError(t, err)
	assert.Equal(t, stringType, replaced)
	typ, _ := r.TopicType(chatter)
	assert.Equal(t, "std_msgs/Int32", typ)
	assert.Equal(t, []string{"/talker2"}, r.Publishers(chatter))

	replaced, err = r.ConfirmSubscriber("/listener", chatter, "std_msgs/Int32", "http://listener:1")
	require.NoError(t, err)
	assert.Empty(t, replaced)
	replaced, err = r.ConfirmSubscriber("/echo", chatter, AnyType, "http://echo:1")
	require.NoError(t, err)
	assert.Empty(t, replaced, "wildcard never repins")
	assert.Equal(t, []string{"/listener", "/echo"}, r.Subscribers(chatter))

	_, err = r.ConfirmPublisher("", chatter, stringType, "u")
	assert.True(t, errors.Is(err, errors.NotValid))
}

func TestWildcardSubscriberDoesNotPinType(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.RegisterSubscriber("/echo", chatter, AnyType, "http://echo:1"))
	typ, _ := r.TopicType(chatter)
	assert.Equal(t, "", typ)

	require.NoError(t, r.RegisterPublisher("/talker", chatter, stringType, "http://talker:5678"))
	typ, _ = r.TopicType(chatter)
	assert.Equal(t, stringType, typ)

	require.NoError(t, r.RegisterSubscriber("/echo2", chatter, AnyType, "http://echo2:1"))
}

func TestEmptyNamesRejected(t *testing.T) {
	r := NewRegistry()
	assert.True(t, errors.Is(r.RegisterPublisher("", chatter, stringType, "u"), errors.NotValid))
	assert.True(t, errors.Is(r.RegisterPublisher("/n", "", stringType, "u"), errors.NotValid))
	assert.True(t, errors.Is(r.RegisterSubscriber("/n", chatter, "", "u"), errors.NotValid))
	assert.Zero(t, r.Len())
}

func TestEviction(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.RegisterPublisher("/talker", chatter, stringType, "http://talker:5678"))
	require.Equal(t, 1, r.UnregisterPublisher("/talker", chatter, "http://talker:5678"))

	_, ok := r.TopicType(chatter)
	assert.False(t, ok)
	_, ok = r.LookupNode("/talker")
	assert.False(t, ok)

	// The type is released together with the topic.
	require.NoError(t, r.RegisterPublisher("/talker", chatter, "std_msgs/Int32", "http://talker:5678"))
}

func TestNoEvictionKeepsType(t *testing.T) {
	r := NewRegistry(WithEviction(false))
	require.NoError(t, r.RegisterPublisher("/talker", chatter, stringType, "http://talker:5678"))
	require.Equal(t, 1, r.UnregisterPublisher("/talker", chatter, "http://talker:5678"))

	typ, ok := r.TopicType(chatter)
	require.True(t, ok)
	assert.Equal(t, stringType, typ)
	assert.True(t, errors.Is(r.RegisterPublisher("/talker", chatter, "std_msgs/Int32", "u"), ErrTypeMismatch))
}

func TestNodeLifecycle(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.RegisterPublisher("/talker", chatter, stringType, "http://talker:5678"))
	require.NoError(t, r.RegisterSubscriber("/talker", "/rosout", "rosgraph_msgs/Log", "http://talker:5678"))

	require.Equal(t, 1, r.UnregisterPublisher("/talker", chatter, "http://talker:5678"))
	uri, ok := r.LookupNode("/talker")
	require.True(t, ok, "node still subscribes to /rosout")
	assert.Equal(t, "http://talker:5678", uri)

	require.Equal(t, 1, r.UnregisterSubscriber("/talker", "/rosout", "http://talker:5678"))
	_, ok = r.LookupNode("/talker")
	assert.False(t, ok)
}

func TestQueries(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.RegisterPublisher("/talker", chatter, stringType, "http://talker:5678"))
	require.NoError(t, r.RegisterPublisher("/cam", "/camera/image", "sensor_msgs/Image", "http://cam:1"))
	require.NoError(t, r.RegisterSubscriber("/listener", chatter, stringType, "http://listener:1234"))
	require.NoError(t, r.RegisterSubscriber("/listener", "/odom", "nav_msgs/Odometry", "http://listener:1234"))

	assert.Equal(t, []TopicInfo{
		{Name: "/camera/image", Type: "sensor_msgs/Image"},
		{Name: chatter, Type: stringType},
	}, r.PublishedTopics(""))
	assert.Equal(t, []TopicInfo{{Name: "/camera/image", Type: "sensor_msgs/Image"}}, r.PublishedTopics("/camera"))
	assert.Len(t, r.TopicTypes(), 3)

	s := r.SystemState()
	assert.Equal(t, []TopicMembers{
		{Topic: "/camera/image", Nodes: []string{"/cam"}},
		{Topic: chatter, Nodes: []string{"/talker"}},
	}, s.Publishers)
	assert.Equal(t, []TopicMembers{
		{Topic: chatter, Nodes: []string{"/listener"}},
		{Topic: "/odom", Nodes: []string{"/listener"}},
	}, s.Subscribers)

	r.Reset()
	assert.Zero(t, r.Len())
}

func TestObserverSeesTopicCount(t *testing.T) {
	var last int
	r := NewRegistry(WithObserver(func(n int) { last = n }))
	require.NoError(t, r.RegisterPublisher("/talker", chatter, stringType, "u"))
	assert.Equal(t, 1, last)
	r.UnregisterPublisher("/talker", chatter, "u")
	assert.Equal(t, 0, last)
}

func TestReturnedSlicesAreCopies(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.RegisterPublisher("/talker", chatter, stringType, "u"))
	pubs := r.Publishers(chatter)
	pubs[0] = "/mutated"
	assert.Equal(t, []string{"/talker"}, r.Publishers(chatter))
}

// Writers only ever add publishers, so a reader must never see the list shrink,
// hold a duplicate, or list a node without its URI.
func TestConcurrentReadersNeverSeeHalfAppliedWrites(t *testing.T) {
	r := NewRegistry()
	const writers = 32
	const readers = 8

	var wg sync.WaitGroup
	stop := make(chan struct{})
	for i := 0; i < readers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			prev := 0
			for {
				select {
				case <-stop:
					return
				default:
				}
				pubs := r.Publishers(chatter)
				uris := r.PublisherURIs(chatter)
				if len(pubs) < prev {
					t.Errorf("publisher list shrank from %d to %d", prev, len(pubs))
					return
				}
				seen := make(map[string]bool, len(pubs))
				for _, p := range pubs {
					if seen[p] {
						t.Errorf("duplicate publisher %s", p)
						return
					}
					seen[p] = true
				}
				for _, u := range uris {
					if u == "" {
						t.Errorf("publisher without URI")
						return
					}
				}
				prev = len(pubs)
			}
		}()
	}

	var writersWG sync.WaitGroup
	for i := 0; i < writers; i++ {
		writersWG.Add(1)
		go func(n int) {
			defer writersWG.Done()
			name := fmt.Sprintf("/talker%d", n)
			for j := 0; j < 3; j++ {
				if err := r.RegisterPublisher(name, chatter, stringType, "http://"+name[1:]+":1"); err != nil {
					t.Errorf("register %s: %v", name, err)
				}
			}
		}(i)
	}
	writersWG.Wait()
	close(stop)
	wg.Wait()

	assert.Len(t, r.Publishers(chatter), writers)
}
