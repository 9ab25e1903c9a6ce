package push

import (
	"testing"

	"github.com/stretchr/testify/require"
)

type kindCollector struct{ kinds []string }

func (k *kindCollector) OnInsert(e Insert) { k.kinds = append(k.kinds, "insert:"+e.Record.ID) }
func (k *kindCollector) OnUpdate(e Update) { k.kinds = append(k.kinds, "update:"+e.Record.ID) }
func (k *kindCollector) OnDelete(e Delete) { k.kinds = append(k.kinds, "delete:"+e.ID) }

func TestEvent_AcceptDispatchesByKind(t *testing.T) {
	var v kindCollector
	for _, ev := range []Event{Insert{Record: rec("a")}, Update{Record: rec("b")}, Delete{ID: "c"}} {
		ev.Accept(&v)
	}
	require.Equal(t, []string{"insert:a", "update:b", "delete:c"}, v.kinds)
}

func TestDecode_RoundTripsChangeFrames(t *testing.T) {
	r := rec("s1")
	r.Speakers = []string{"Ada"}
	b, err := Encode(Update{Record: r})
	require.NoError(t, err)

	ev, kind, err := Decode(b)
	require.NoError(t, err)
	require.Equal(t, KindUpdate, kind)
	up, ok := ev.(Update)
	require.True(t, ok)
	require.Equal(t, "s1", up.Record.ID)
	require.Equal(t, []string{"Ada"}, up.Record.Speakers)
}

func TestDecode_ControlFramesHaveNoEvent(t *testing.T) {
	ev, kind, err := Decode(EncodeControl(KindHeartbeat, "u1"))
	require.NoError(t, err)
	require.Nil(t, ev)
	require.Equal(t, KindHeartbeat, kind)
}

func TestDecode_Rejects(t *testing.T) {
	for _, frame := range []string{
		`not json`,
		`{"kind":"insert"}`,
		`{"kind":"delete"}`,
		`{"kind":"rename","id":"x"}`,
	} {
		_, _, err := Decode([]byte(frame))
		require.Error(t, err, frame)
	}
}

func TestDecode_DeleteFallsBackToRecordID(t *testing.T) {
	ev, _, err := Decode([]byte(`{"kind":"delete","record":{"id":"s9"}}`))
	require.NoError(t, err)
	require.Equal(t, "s9", ev.RecordID())
}
