package audit

import (
	"testing"

	"github.com/stretchr/testify/assert"

	dErrors "rcm-audit/pkg/domain-errors"
)

func validRequest() Request {
	return Request{
		EventType: EventClaimCreated,
		Actor:     Actor{UserID: "u-1", Username: "dr.salem"},
		Resource:  &Resource{ResourceType: "Claim", ResourceID: "c-9"},
		Action:    ActionCreate,
		Outcome:   OutcomeSuccess,
	}
}

func TestRequestValidate(t *testing.T) {
	t.Run("accepts a complete request", func(t *testing.T) {
		assert.NoError(t, validRequest().Validate())
	})

	t.Run("accepts missing resource", func(t *testing.T) {
		req := validRequest()
		req.Resource = nil
		req.EventType = EventUserLogin
		assert.NoError(t, req.Validate())
	})

	t.Run("rejects out-of-enum values", func(t *testing.T) {
		cases := map[string]func(*Request){
			"eventType": func(r *Request) { r.EventType = "CLAIM_EXPLODED" },
			"action":    func(r *Request) { r.Action = "UPSERT" },
			"outcome":   func(r *Request) { r.Outcome = "MAYBE" },
		}
		for name, mutate := range cases {
			req := validRequest()
			mutate(&req)
			err := req.Validate()
			assert.Error(t, err, name)
			assert.True(t, dErrors.Is(err, dErrors.CodeSchema), name)
		}
	})

	t.Run("rejects empty actor identity", func(t *testing.T) {
		req := validRequest()
		req.Actor.UserID = ""
		assert.True(t, dErrors.Is(req.Validate(), dErrors.CodeSchema))

		req = validRequest()
		req.Actor.Username = ""
		assert.True(t, dErrors.Is(req.Validate(), dErrors.CodeSchema))
	})

	t.Run("rejects partial resource", func(t *testing.T) {
		req := validRequest()
		req.Resource = &Resource{ResourceType: "Claim"}
		assert.True(t, dErrors.Is(req.Validate(), dErrors.CodeSchema))
	})
}

func TestIsPHIResource(t *testing.T) {
	for _, rt := range []string{"Patient", "Claim", "Rejection"} {
		assert.True(t, IsPHIResource(rt), rt)
	}
	for _, rt := range []string{"Report", "Branch", "patient", ""} {
		assert.False(t, IsPHIResource(rt), rt)
	}
}
