package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/alekspetrov/pollcast/internal/adapters/twitch"
	"github.com/alekspetrov/pollcast/internal/poll"
)

// fakeLinkStore is an in-memory LinkStore.
type fakeLinkStore struct {
	mu         sync.Mutex
	links      map[uuid.UUID]*poll.Link
	statuses   map[uuid.UUID]poll.Status
	aggregates map[uuid.UUID]*poll.Aggregate
}

func newFakeLinkStore() *fakeLinkStore {
	return &fakeLinkStore{
		links:      make(map[uuid.UUID]*poll.Link),
		statuses:   make(map[uuid.UUID]poll.Status),
		aggregates: make(map[uuid.UUID]*poll.Aggregate),
	}
}

func (s *fakeLinkStore) CreateLink(_ context.Context, link *poll.Link) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.links[link.ID] = link
	return nil
}

func (s *fakeLinkStore) UpdateLink(_ context.Context, link *poll.Link) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.links[link.ID] = link
	return nil
}

func (s *fakeLinkStore) ListLinks(_ context.Context, pollID uuid.UUID) ([]*poll.Link, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*poll.Link
	for _, l := range s.links {
		if l.PollID == pollID {
			out = append(out, l)
		}
	}
	return out, nil
}

func (s *fakeLinkStore) UpdateInstanceStatus(_ context.Context, id uuid.UUID, status poll.Status) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.statuses[id] = status
	return nil
}

func (s *fakeLinkStore) SaveAggregate(_ context.Context, agg *poll.Aggregate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.aggregates[agg.PollID] = agg
	return nil
}

// fakeCreds implements CredentialSource and ChannelDirectory.
type fakeCreds struct {
	mu          sync.Mutex
	channels    map[uuid.UUID]poll.Channel
	tokenErr    map[uuid.UUID]error
	deactivated map[uuid.UUID]bool
	profiles    map[uuid.UUID]string
}

func newFakeCreds() *fakeCreds {
	return &fakeCreds{
		channels:    make(map[uuid.UUID]poll.Channel),
		tokenErr:    make(map[uuid.UUID]error),
		deactivated: make(map[uuid.UUID]bool),
		profiles:    make(map[uuid.UUID]string),
	}
}

func (c *fakeCreds) EnsureValidToken(_ context.Context, channelID uuid.UUID) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.tokenErr[channelID]; err != nil {
		return "", err
	}
	return "tok-" + channelID.String(), nil
}

func (c *fakeCreds) Deactivate(_ context.Context, channelID uuid.UUID) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.deactivated[channelID] = true
	return nil
}

func (c *fakeCreds) UpdateProfile(_ context.Context, channelID uuid.UUID, displayName, broadcasterType string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.profiles[channelID] = broadcasterType
	return nil
}

func (c *fakeCreds) Channel(_ context.Context, channelID uuid.UUID) (poll.Channel, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	ch, ok := c.channels[channelID]
	if !ok {
		return poll.Channel{}, errors.New("unknown channel")
	}
	return ch, nil
}

// fakeAPI is an in-memory APITransport. External poll ids are derived from
// the channel login so tests can address state per channel.
type fakeAPI struct {
	mu        sync.Mutex
	states    map[string]*twitch.PollState
	createErr map[uuid.UUID]error
	stateErr  map[string]error
	endErr    map[string]error
	profiles  map[uuid.UUID]*twitch.User
	ended     map[string]string
}

func newFakeAPI() *fakeAPI {
	return &fakeAPI{
		states:    make(map[string]*twitch.PollState),
		createErr: make(map[uuid.UUID]error),
		stateErr:  make(map[string]error),
		endErr:    make(map[string]error),
		profiles:  make(map[uuid.UUID]*twitch.User),
		ended:     make(map[string]string),
	}
}

func extID(login string) string { return "ext-" + login }

func (f *fakeAPI) Create(_ context.Context, channel poll.Channel, _ *poll.Instance, _ poll.ChannelOverrides) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.createErr[channel.ID]; err != nil {
		return "", err
	}
	id := extID(channel.Login)
	if _, ok := f.states[id]; !ok {
		f.states[id] = &twitch.PollState{Status: twitch.PollStatusActive, OptionVotes: map[int]int{}}
	}
	return id, nil
}

func (f *fakeAPI) GetState(_ context.Context, _ poll.Channel, externalPollID string) (*twitch.PollState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.stateErr[externalPollID]; err != nil {
		return nil, err
	}
	state, ok := f.states[externalPollID]
	if !ok {
		return nil, errors.New("unknown poll")
	}
	return state, nil
}

func (f *fakeAPI) End(_ context.Context, _ poll.Channel, externalPollID, status string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.endErr[externalPollID]; err != nil {
		return err
	}
	f.ended[externalPollID] = status
	return nil
}

func (f *fakeAPI) RefreshProfile(_ context.Context, channel poll.Channel) (*twitch.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if u, ok := f.profiles[channel.ID]; ok {
		return u, nil
	}
	return &twitch.User{
		ID:              channel.BroadcasterID,
		Login:           channel.Login,
		DisplayName:     channel.DisplayName,
		BroadcasterType: string(channel.Type),
	}, nil
}

// fakeChat is an in-memory ChatTransport.
type fakeChat struct {
	mu         sync.Mutex
	started    map[uuid.UUID]bool
	stopped    map[uuid.UUID]bool
	counts     map[uuid.UUID]map[int]int
	countsErr  map[uuid.UUID]error
	startErr   map[uuid.UUID]error
	nonDurable bool
}

func newFakeChat() *fakeChat {
	return &fakeChat{
		started:   make(map[uuid.UUID]bool),
		stopped:   make(map[uuid.UUID]bool),
		counts:    make(map[uuid.UUID]map[int]int),
		countsErr: make(map[uuid.UUID]error),
		startErr:  make(map[uuid.UUID]error),
	}
}

func (f *fakeChat) Start(_ context.Context, channel poll.Channel, _ *poll.Instance, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.startErr[channel.ID]; err != nil {
		return err
	}
	f.started[channel.ID] = true
	return nil
}

func (f *fakeChat) Counts(_ context.Context, _, channelID uuid.UUID) (map[int]int, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.countsErr[channelID]; err != nil {
		return nil, false, err
	}
	return f.counts[channelID], f.nonDurable, nil
}

func (f *fakeChat) Stop(_ context.Context, _, channelID uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopped[channelID] = true
	return nil
}

// fakeEmitter captures events on a channel for assertion.
type fakeEmitter struct {
	events chan Event
}

func newFakeEmitter() *fakeEmitter {
	return &fakeEmitter{events: make(chan Event, 16)}
}

func (f *fakeEmitter) Emit(_ context.Context, ev Event) error {
	f.events <- ev
	return nil
}

// harness wires the three coordinators over shared fakes.
type harness struct {
	store *fakeLinkStore
	creds *fakeCreds
	api   *fakeAPI
	chat  *fakeChat

	dispatcher *Dispatcher
	aggregator *Aggregator
	terminator *Terminator
}

func newHarness(opts ...AggregatorOption) *harness {
	h := &harness{
		store: newFakeLinkStore(),
		creds: newFakeCreds(),
		api:   newFakeAPI(),
		chat:  newFakeChat(),
	}
	h.dispatcher = NewDispatcher(h.store, h.creds, h.api, h.chat)
	h.aggregator = NewAggregator(h.store, h.creds, h.api, h.chat, opts...)
	h.terminator = NewTerminator(h.store, h.creds, h.api, h.chat, h.aggregator)
	return h
}

var loginSeq int

func (h *harness) addChannel(tier poll.BroadcasterType) poll.Channel {
	loginSeq++
	ch := poll.Channel{
		ID:            uuid.New(),
		BroadcasterID: fmt.Sprintf("%d", 1000+loginSeq),
		Login:         fmt.Sprintf("chan%d", loginSeq),
		Type:          tier,
		Active:        true,
	}
	h.creds.channels[ch.ID] = ch
	return ch
}

func testInstance() *poll.Instance {
	return &poll.Instance{
		ID:              uuid.New(),
		Title:           "Pick one",
		Options:         []string{"A", "B"},
		DurationSeconds: 30,
		Mode:            poll.VoteModeStandard,
		Status:          poll.StatusPending,
	}
}

func linkFor(links []*poll.Link, channelID uuid.UUID) *poll.Link {
	for _, l := range links {
		if l.ChannelID == channelID {
			return l
		}
	}
	return nil
}
