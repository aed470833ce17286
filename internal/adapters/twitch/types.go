package twitch

// envelope wraps every Helix response payload.
type envelope[T any] struct {
	Data []T `json:"data"`
}

// Poll is a Helix poll resource.
type Poll struct {
	ID                         string   `json:"id"`
	BroadcasterID              string   `json:"broadcaster_id"`
	Title                      string   `json:"title"`
	Choices                    []Choice `json:"choices"`
	ChannelPointsVotingEnabled bool     `json:"channel_points_voting_enabled"`
	ChannelPointsPerVote       int      `json:"channel_points_per_vote"`
	Status                     string   `json:"status"`
	Duration                   int      `json:"duration"`
	StartedAt                  string   `json:"started_at"`
}

// Choice is one poll option with its vote tallies. Votes counts native
// votes; ChannelPointsVotes counts votes redeemed with channel points.
type Choice struct {
	ID                 string `json:"id"`
	Title              string `json:"title"`
	Votes              int    `json:"votes"`
	ChannelPointsVotes int    `json:"channel_points_votes"`
}

// Poll statuses accepted by the end-poll operation.
const (
	PollStatusActive     = "ACTIVE"
	PollStatusCompleted  = "COMPLETED"
	PollStatusTerminated = "TERMINATED"
	PollStatusArchived   = "ARCHIVED"
)

// createPollRequest is the create-poll request body.
type createPollRequest struct {
	BroadcasterID              string             `json:"broadcaster_id"`
	Title                      string             `json:"title"`
	Choices                    []createPollChoice `json:"choices"`
	Duration                   int                `json:"duration"`
	ChannelPointsVotingEnabled bool               `json:"channel_points_voting_enabled,omitempty"`
	ChannelPointsPerVote       int                `json:"channel_points_per_vote,omitempty"`
}

type createPollChoice struct {
	Title string `json:"title"`
}

// endPollRequest is the end-poll request body.
type endPollRequest struct {
	BroadcasterID string `json:"broadcaster_id"`
	ID            string `json:"id"`
	Status        string `json:"status"`
}

// User is a Helix user resource, used for channel profile refresh.
type User struct {
	ID              string `json:"id"`
	Login           string `json:"login"`
	DisplayName     string `json:"display_name"`
	BroadcasterType string `json:"broadcaster_type"` // "", "affiliate", "partner"
}

// tokenResponse is the OAuth token endpoint response.
type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int    `json:"expires_in"`
}

// apiError is the Helix error response body.
type apiError struct {
	Error   string `json:"error"`
	Status  int    `json:"status"`
	Message string `json:"message"`
}
