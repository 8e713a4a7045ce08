package registry

import (
	"context"
	"testing"

	"github.com/omniman/kernel/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeValidator struct {
	code  string
	stage Stage
}

func (f fakeValidator) Code() string  { return f.code }
func (f fakeValidator) Stage() Stage  { return f.stage }
func (f fakeValidator) Validate(context.Context, *domain.Channel, *domain.Session) error {
	return nil
}

type fakeModifier struct {
	code  string
	order int
}

func (f fakeModifier) Code() string  { return f.code }
func (f fakeModifier) Order() int    { return f.order }
func (f fakeModifier) Apply(context.Context, *domain.Channel, *domain.Session) error {
	return nil
}

func TestRegisterValidatorRejectsDuplicateCode(t *testing.T) {
	r := New()
	require.NoError(t, r.RegisterValidator(fakeValidator{code: "a", stage: StageDraft}))
	err := r.RegisterValidator(fakeValidator{code: "a", stage: StageCommit})
	assert.Error(t, err)
}

func TestValidatorsForStageFiltersByStage(t *testing.T) {
	r := New()
	require.NoError(t, r.RegisterValidator(fakeValidator{code: "draft-one", stage: StageDraft}))
	require.NoError(t, r.RegisterValidator(fakeValidator{code: "commit-one", stage: StageCommit}))
	draft := r.ValidatorsForStage(StageDraft)
	require.Len(t, draft, 1)
	assert.Equal(t, "draft-one", draft[0].Code())
}

func TestModifiersSortedByOrder(t *testing.T) {
	r := New()
	require.NoError(t, r.RegisterModifier(fakeModifier{code: "c", order: 30}))
	require.NoError(t, r.RegisterModifier(fakeModifier{code: "a", order: 10}))
	require.NoError(t, r.RegisterModifier(fakeModifier{code: "b", order: 20}))
	mods := r.Modifiers()
	require.Len(t, mods, 3)
	assert.Equal(t, []string{"a", "b", "c"}, []string{mods[0].Code(), mods[1].Code(), mods[2].Code()})
}

func TestDirectiveHandlerLookupMissIsNotAnError(t *testing.T) {
	r := New()
	_, ok := r.DirectiveHandler("stock.hold")
	assert.False(t, ok)
}

func TestRegisterDirectiveHandlerRejectsDuplicateTopic(t *testing.T) {
	r := New()
	require.NoError(t, r.RegisterDirectiveHandler(fakeHandler{topic: "stock.hold"}))
	err := r.RegisterDirectiveHandler(fakeHandler{topic: "stock.hold"})
	assert.Error(t, err)
}

type fakeHandler struct{ topic string }

func (f fakeHandler) Topic() string { return f.topic }
func (f fakeHandler) Handle(context.Context, *domain.Directive) error { return nil }
