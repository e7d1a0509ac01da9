package exitcode

import "testing"

func TestForKnownKinds(t *testing.T) {
	cases := []struct {
		kind Kind
		want Code
	}{
		{KindWrongPasswordOrCorruptConfig, WrongPasswordOrCorruptConfig},
		{KindFilesystemTooNew, FilesystemTooNew},
		{KindIntegrityViolationNow, IntegrityViolationNow},
	}
	for _, c := range cases {
		if got := For(c.kind); got != c.want {
			t.Errorf("For(%q) = %d, want %d", c.kind, got, c.want)
		}
	}
}

func TestForUnknownKindReturnsSuccess(t *testing.T) {
	if got := For(Kind("not_a_real_kind")); got != Success {
		t.Fatalf("For(unknown) = %d, want Success", got)
	}
}

func TestEveryKindHasATableEntry(t *testing.T) {
	kinds := []Kind{
		KindInvalidArgs, KindWrongPasswordOrCorruptConfig, KindFilesystemTooNew,
		KindFilesystemTooOld, KindWrongCipher, KindBasedirInaccessible,
		KindMountdirInaccessible, KindMountdirNotEmpty, KindInvalidFilesystem,
		KindFilesystemIdChanged, KindEncryptionKeyChanged, KindIntegritySetupMismatch,
		KindSingleClientFilesystem, KindIntegrityViolationPreviousRun,
		KindIntegrityViolationNow, KindLocalStateDirInaccessible,
	}
	for _, k := range kinds {
		if _, ok := table[k]; !ok {
			t.Errorf("Kind %q has no entry in the exit code table", k)
		}
	}
}
