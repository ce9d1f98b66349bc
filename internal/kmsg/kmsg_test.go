package kmsg

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseRecord(t *testing.T) {
	now := time.Unix(1700000000, 0)

	tests := []struct {
		name string
		raw  string
		want Message
	}{
		{
			name: "plain",
			raw:  "6,339,5140900,-;NET: Registered protocol family 10",
			want: Message{Time: now, Seq: 339, SinceBoot: 5140900 * time.Microsecond, Severity: 6, Facility: 0, Text: "NET: Registered protocol family 10"},
		},
		{
			name: "facility and dictionary",
			raw:  "30,340,5690716,-;udevd[80]: starting version 181\n SUBSYSTEM=pci\n",
			want: Message{Time: now, Seq: 340, SinceBoot: 5690716 * time.Microsecond, Severity: 6, Facility: 3, Text: "udevd[80]: starting version 181"},
		},
		{
			name: "text with semicolons",
			raw:  "4,1,2,-;a;b;c",
			want: Message{Time: now, Seq: 1, SinceBoot: 2 * time.Microsecond, Severity: 4, Text: "a;b;c"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseRecord([]byte(tt.raw), now)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParseRecordRejectsGarbage(t *testing.T) {
	for _, raw := range []string{"no separator", "x,1,2,-;text", "6;short prefix"} {
		_, err := ParseRecord([]byte(raw), time.Now())
		assert.Error(t, err, raw)
	}
}

func TestParseOOM(t *testing.T) {
	line := "Out of memory: Killed process 765074 (chrome) total-vm:38565352kB, anon-rss:209356kB, " +
		"file-rss:1624kB, shmem-rss:0kB, UID:1000 pgtables:1234kB oom_score_adj:300"

	got, ok := ParseOOM(line)
	require.True(t, ok)
	assert.Equal(t, 765074, got.Pid)
	assert.Equal(t, "chrome", got.Comm)
	assert.Equal(t, "Out of memory", got.Message)
	assert.EqualValues(t, 38565352*1024, got.TotalVM)
	assert.EqualValues(t, 1624*1024, got.FileRSS)

	_, ok = ParseOOM("oom_reaper: reaped process 765074 (chrome)")
	assert.False(t, ok)
}

func TestParseSignal(t *testing.T) {
	t.Run("x86 segfault", func(t *testing.T) {
		got, ok := ParseSignal("a[613450]: segfault at 0 ip 000056087e9aa136 sp 00007fffab66a9f0 error 6 in a[56087e9aa000+1000]")
		require.True(t, ok)
		assert.Equal(t, 613450, got.Pid)
		assert.Equal(t, "a", got.Comm)
		assert.Equal(t, "segfault at 0", got.Desc)
		assert.Equal(t, "6", got.ErrorCode)
		assert.Equal(t, "a[56087e9aa000+1000]", got.VMAInfo)
	})

	t.Run("x86 trap", func(t *testing.T) {
		got, ok := ParseSignal("traps: java[1234] general protection fault ip:7f1 sp:7ff error:0 in libjvm.so[7f0000+100000]")
		require.True(t, ok)
		assert.Equal(t, 1234, got.Pid)
		assert.Equal(t, "java", got.Comm)
	})

	t.Run("arm64", func(t *testing.T) {
		got, ok := ParseSignal("a[160760]: unhandled exception: DABT (lower EL), ESR 0x92000044, level 0 translation fault in a[aaaab0b60000+1000]")
		require.True(t, ok)
		assert.Equal(t, 160760, got.Pid)
		assert.Equal(t, "a[aaaab0b60000+1000]", got.VMAInfo)
	})

	t.Run("unrelated", func(t *testing.T) {
		_, ok := ParseSignal("EXT4-fs (sda1): mounted filesystem")
		assert.False(t, ok)
	})
}

func TestEmptyProvider(t *testing.T) {
	msgs, err := Empty{}.Messages()
	assert.NoError(t, err)
	assert.Empty(t, msgs)
	assert.NoError(t, Empty{}.Close())
}

func TestOpenNeverFails(t *testing.T) {
	p := Open(zerolog.Nop())
	require.NotNil(t, p)
	assert.NoError(t, p.Close())
}
