package xapi

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/xpersona/xpersona/internal/apierrors"
)

const (
	instructionAddEntries = "TimelineAddEntries"
	tweetEntryPrefix      = "tweet-"
	typeNameVisibility    = "TweetWithVisibilityResults"

	errMessageDecodeCreate = "failed to decode create post response"
	errMessageDecodeSearch = "failed to decode search response"
	errMessagePlatform     = "platform returned errors"
	errMessageNoTimeline   = "search response missing timeline"
)

type graphQLError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type createPostEnvelope struct {
	Data struct {
		CreateTweet struct {
			TweetResults struct {
				Result struct {
					RestID string `json:"rest_id"`
				} `json:"result"`
			} `json:"tweet_results"`
		} `json:"create_tweet"`
	} `json:"data"`
	Errors []graphQLError `json:"errors"`
}

func parseCreatePost(body []byte) (PostResult, error) {
	var envelope createPostEnvelope
	if err := json.Unmarshal(body, &envelope); err != nil {
		return nil, apierrors.NewProtocolShapeError("%s: %v", errMessageDecodeCreate, err)
	}
	postID := strings.TrimSpace(envelope.Data.CreateTweet.TweetResults.Result.RestID)
	if postID != "" {
		return Posted{ID: postID}, nil
	}
	if len(envelope.Errors) > 0 {
		return nil, fmt.Errorf("%s: %s: %w", errMessagePlatform, describeErrors(envelope.Errors), apierrors.ErrRejected)
	}
	return PostedUnknownID{Fallback: NewPlaceholderID()}, nil
}

type legacyTweet struct {
	IDString          string `json:"id_str"`
	FullText          string `json:"full_text"`
	CreatedAt         string `json:"created_at"`
	UserIDString      string `json:"user_id_str"`
	InReplyToStatusID string `json:"in_reply_to_status_id_str"`
	InReplyToUserID   string `json:"in_reply_to_user_id_str"`
}

type legacyUser struct {
	IDString   string `json:"id_str"`
	ScreenName string `json:"screen_name"`
	Name       string `json:"name"`
}

type tweetResult struct {
	TypeName string       `json:"__typename"`
	RestID   string       `json:"rest_id"`
	Legacy   *legacyTweet `json:"legacy"`
	Core     struct {
		UserResults struct {
			Result struct {
				RestID string     `json:"rest_id"`
				Legacy legacyUser `json:"legacy"`
			} `json:"result"`
		} `json:"user_results"`
	} `json:"core"`
	Tweet *tweetResult `json:"tweet"`
}

type timelineEntry struct {
	EntryID string `json:"entryId"`
	Content struct {
		ItemContent struct {
			TweetResults struct {
				Result *tweetResult `json:"result"`
			} `json:"tweet_results"`
		} `json:"itemContent"`
	} `json:"content"`
}

type searchEnvelope struct {
	Data struct {
		SearchByRawQuery *struct {
			SearchTimeline struct {
				Timeline struct {
					Instructions []struct {
						Type    string          `json:"type"`
						Entries []timelineEntry `json:"entries"`
					} `json:"instructions"`
				} `json:"timeline"`
			} `json:"search_timeline"`
		} `json:"search_by_raw_query"`
	} `json:"data"`
	Errors []graphQLError `json:"errors"`
}

func parseSearchTimeline(body []byte) ([]Mention, error) {
	var envelope searchEnvelope
	if err := json.Unmarshal(body, &envelope); err != nil {
		return nil, apierrors.NewProtocolShapeError("%s: %v", errMessageDecodeSearch, err)
	}
	if envelope.Data.SearchByRawQuery == nil {
		if len(envelope.Errors) > 0 {
			return nil, apierrors.NewProtocolShapeError("%s: %s", errMessagePlatform, describeErrors(envelope.Errors))
		}
		return nil, apierrors.NewProtocolShapeError(errMessageNoTimeline)
	}
	mentions := []Mention{}
	seen := map[string]bool{}
	for _, instruction := range envelope.Data.SearchByRawQuery.SearchTimeline.Timeline.Instructions {
		if instruction.Type != instructionAddEntries {
			continue
		}
		for _, entry := range instruction.Entries {
			if !strings.HasPrefix(entry.EntryID, tweetEntryPrefix) {
				continue
			}
			mention, ok := mentionFromResult(entry.Content.ItemContent.TweetResults.Result)
			if !ok || seen[mention.ID] {
				continue
			}
			seen[mention.ID] = true
			mentions = append(mentions, mention)
		}
	}
	sort.SliceStable(mentions, func(left, right int) bool {
		return CompareIDs(mentions[left].ID, mentions[right].ID) < 0
	})
	return mentions, nil
}

func mentionFromResult(result *tweetResult) (Mention, bool) {
	if result == nil {
		return Mention{}, false
	}
	if result.TypeName == typeNameVisibility && result.Tweet != nil {
		result = result.Tweet
	}
	if result.Legacy == nil {
		return Mention{}, false
	}
	tweetID := result.Legacy.IDString
	if tweetID == "" {
		tweetID = result.RestID
	}
	if tweetID == "" {
		return Mention{}, false
	}
	author := result.Core.UserResults.Result
	authorID := author.Legacy.IDString
	if authorID == "" {
		authorID = author.RestID
	}
	if authorID == "" {
		authorID = result.Legacy.UserIDString
	}
	mention := Mention{
		ID:              tweetID,
		Text:            result.Legacy.FullText,
		AuthorID:        authorID,
		AuthorHandle:    author.Legacy.ScreenName,
		AuthorName:      author.Legacy.Name,
		InReplyToID:     result.Legacy.InReplyToStatusID,
		InReplyToUserID: result.Legacy.InReplyToUserID,
	}
	if createdAt, err := time.Parse(time.RubyDate, result.Legacy.CreatedAt); err == nil {
		mention.CreatedAt = createdAt.UTC()
	}
	return mention, true
}

// CompareIDs orders decimal snowflake ids numerically: shorter ids are smaller, equal lengths compare lexically.
func CompareIDs(left, right string) int {
	left = strings.TrimLeft(left, "0")
	right = strings.TrimLeft(right, "0")
	if len(left) != len(right) {
		if len(left) < len(right) {
			return -1
		}
		return 1
	}
	return strings.Compare(left, right)
}

func describeErrors(platformErrors []graphQLError) string {
	messages := make([]string, 0, len(platformErrors))
	for _, platformError := range platformErrors {
		messages = append(messages, fmt.Sprintf("%d %s", platformError.Code, platformError.Message))
	}
	return strings.Join(messages, "; ")
}
