package streams

import (
	"encoding/json"

	"github.com/kalambet/claritap/internal/normalize"
)

// CallUser is an internal participant of a call.
type CallUser struct {
	UserID      *normalize.Text `json:"userId,omitempty"`
	UserEmail   *string         `json:"userEmail,omitempty"`
	IsOrganizer *bool           `json:"isOrganizer,omitempty"`
	PersonID    *json.Number    `json:"personId,omitempty"`
}

// Participant is an invited or joined call participant.
type Participant struct {
	Name     *string      `json:"name,omitempty"`
	Email    *string      `json:"email,omitempty"`
	Phone    *string      `json:"phone,omitempty"`
	PersonID *json.Number `json:"personId,omitempty"` // some payloads quote it
}

type CRMInfo struct {
	SourceCRM  *string  `json:"source_crm,omitempty"`
	DealID     *string  `json:"deal_id,omitempty"`
	AccountID  *string  `json:"account_id,omitempty"`
	ContactIDs []string `json:"contact_ids,omitempty"`
}

// CallRecord is a call as listed by GET /calls.
type CallRecord struct {
	ID                   normalize.Text       `json:"id"`
	SourceID             *string              `json:"source_id,omitempty"`
	Title                *string              `json:"title,omitempty"`
	Users                []CallUser           `json:"users,omitempty"`
	ExternalParticipants []Participant        `json:"externalParticipants,omitempty"`
	JoinedParticipants   []Participant        `json:"joinedParticipants,omitempty"`
	Status               *string              `json:"status,omitempty"`
	BotNotJoinReason     []string             `json:"bot_not_join_reason,omitempty"`
	Type                 *string              `json:"type,omitempty"`
	Time                 *string              `json:"time,omitempty"`
	ICalUID              *string              `json:"icaluid,omitempty"`
	CalendarID           *string              `json:"calendar_id,omitempty"`
	RecurringEventID     *string              `json:"recurring_event_id,omitempty"`
	OriginalStartTime    *string              `json:"original_start_time,omitempty"`
	LastModifiedTime     *normalize.Timestamp `json:"last_modified_time,omitempty"`
	AudioURL             *string              `json:"audio_url,omitempty"`
	VideoURL             *string              `json:"video_url,omitempty"`
	Disposition          *string              `json:"disposition,omitempty"`
	DealName             *string              `json:"deal_name,omitempty"`
	DealValue            *normalize.Text      `json:"deal_value,omitempty"`
	DealCloseDate        *string              `json:"deal_close_date,omitempty"`
	DealStageBeforeCall  *string              `json:"deal_stage_before_call,omitempty"`
	AccountName          *string              `json:"account_name,omitempty"`
	ContactNames         []string             `json:"contact_names,omitempty"`
	CRMInfo              *CRMInfo             `json:"crm_info,omitempty"`
	BookmarkTimestamps   []string             `json:"bookmark_timestamps,omitempty"`
	Metrics              *normalize.Metrics   `json:"metrics,omitempty"`
	CallReviewPageURL    *string              `json:"call_review_page_url,omitempty"`
}

func (c *CallRecord) PrimaryKey() string {
	return string(c.ID)
}

// Annotation marks a tracker hit inside a transcript segment.
type Annotation struct {
	Tracker  *string `json:"tracker,omitempty"`
	Phrase   *string `json:"phrase,omitempty"`
	Category *string `json:"category,omitempty"`
}

// TranscriptSegment is one speech turn. Offsets are seconds from call start.
type TranscriptSegment struct {
	Text        *string      `json:"text,omitempty"`
	Start       *json.Number `json:"start,omitempty"`
	End         *json.Number `json:"end,omitempty"`
	PersonID    *json.Number `json:"personId,omitempty"`
	Annotations []Annotation `json:"annotations,omitempty"`
}

type Topic struct {
	Name           *string `json:"name,omitempty"`
	StartTimestamp *string `json:"start_timestamp,omitempty"`
	EndTimestamp   *string `json:"end_timestamp,omitempty"`
	Summary        *string `json:"summary,omitempty"`
}

type ActionItem struct {
	ActionItem     *string `json:"action_item,omitempty"`
	SpeakerName    *string `json:"speaker_name,omitempty"`
	StartTimestamp *string `json:"start_timestamp,omitempty"`
	EndTimestamp   *string `json:"end_timestamp,omitempty"`
}

type Summary struct {
	FullSummary     *string      `json:"full_summary,omitempty"`
	TopicsDiscussed []Topic      `json:"topics_discussed,omitempty"`
	KeyActionItems  []ActionItem `json:"key_action_items,omitempty"`
}

type CompetitorSentiment struct {
	CompetitorName *string         `json:"competitor_name,omitempty"`
	Sentiment      *string         `json:"sentiment,omitempty"`
	Reasoning      *string         `json:"reasoning,omitempty"`
	PersonID       *normalize.Text `json:"personId,omitempty"`
	TurnStartTime  *normalize.Text `json:"turn_start_time,omitempty"`
}

// CallDetailRecord is a call as returned by GET /call-details, with
// transcript, summary and competitor sentiment.
type CallDetailRecord struct {
	CallRecord
	DealStageLive        *string               `json:"deal_stage_live,omitempty"`
	Transcript           []TranscriptSegment   `json:"transcript,omitempty"`
	Summary              *Summary              `json:"summary,omitempty"`
	CompetitorSentiments []CompetitorSentiment `json:"competitor_sentiments,omitempty"`
}
