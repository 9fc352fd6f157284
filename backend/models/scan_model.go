package models

import "time"

type ScanStatus string

const (
	ScanQueued     ScanStatus = "queued"
	ScanUploading  ScanStatus = "uploading"
	ScanUploaded   ScanStatus = "uploaded"
	ScanProcessing ScanStatus = "processing"
	ScanComplete   ScanStatus = "complete"
	ScanError      ScanStatus = "error"
	ScanAborted    ScanStatus = "aborted"
)

// Terminal reports whether no further pipeline work happens for the status.
func (s ScanStatus) Terminal() bool {
	return s == ScanComplete || s == ScanError || s == ScanAborted
}

type Pose string

const (
	PoseFront Pose = "front"
	PoseBack  Pose = "back"
	PoseLeft  Pose = "left"
	PoseRight Pose = "right"
)

// Poses lists the photo slots a scan needs before it can be submitted.
var Poses = []Pose{PoseFront, PoseBack, PoseLeft, PoseRight}

func ValidPose(p string) bool {
	for _, v := range Poses {
		if string(v) == p {
			return true
		}
	}
	return false
}

type PosePhoto struct {
	ObjectKey   string    `json:"objectKey" firestore:"objectKey"`
	ContentType string    `json:"contentType" firestore:"contentType"`
	SizeBytes   int64     `json:"sizeBytes" firestore:"sizeBytes"`
	Digest      string    `json:"digest" firestore:"digest"`
	UploadedAt  time.Time `json:"uploadedAt" firestore:"uploadedAt"`
}

type ScanResult struct {
	BFPercent  *float64 `json:"bf_percent,omitempty" firestore:"bf_percent"`
	LeanMassKg *float64 `json:"lean_mass_kg,omitempty" firestore:"lean_mass_kg"`
	Notes      string   `json:"notes,omitempty" firestore:"notes"`
	Provider   string   `json:"provider,omitempty" firestore:"provider"`
}

// ScanSession is stored at users/{uid}/scans/{scanId}.
type ScanSession struct {
	ID            string             `json:"id" firestore:"id"`
	UserID        string             `json:"userId" firestore:"userId"`
	Status        ScanStatus         `json:"status" firestore:"status"`
	Charged       bool               `json:"charged" firestore:"charged"`
	Result        *ScanResult        `json:"result,omitempty" firestore:"result"`
	Poses         map[Pose]PosePhoto `json:"poses,omitempty" firestore:"poses"`
	Error         string             `json:"error,omitempty" firestore:"error"`
	RefundContext string             `json:"refundContext,omitempty" firestore:"refundContext"`
	CreatedAt     time.Time          `json:"createdAt" firestore:"createdAt"`
	UpdatedAt     time.Time          `json:"updatedAt" firestore:"updatedAt"`
	CompletedAt   *time.Time         `json:"completedAt,omitempty" firestore:"completedAt"`
}

// HasResult reports whether analysis produced a body-fat estimate.
func (s *ScanSession) HasResult() bool {
	return s.Result != nil && s.Result.BFPercent != nil
}

// AllPosesPresent reports whether every required pose photo is stored.
func (s *ScanSession) AllPosesPresent() bool {
	for _, p := range Poses {
		if _, ok := s.Poses[p]; !ok {
			return false
		}
	}
	return true
}

func (s *ScanSession) Clone() *ScanSession {
	if s == nil {
		return nil
	}
	out := *s
	if s.Result != nil {
		r := *s.Result
		out.Result = &r
	}
	if s.Poses != nil {
		out.Poses = make(map[Pose]PosePhoto, len(s.Poses))
		for k, v := range s.Poses {
			out.Poses[k] = v
		}
	}
	if s.CompletedAt != nil {
		t := *s.CompletedAt
		out.CompletedAt = &t
	}
	return &out
}

type ScanJob struct {
	UserID  string `json:"uid"`
	ScanID  string `json:"scanId"`
	Attempt int    `json:"attempt"`
}
