// Package exitcode maps the error kinds the core produces onto documented
// CLI exit codes. The CLI itself is out of scope; this table is what a
// thin cmd/cryfsd-style entry point consults before os.Exit.
package exitcode

// Code is one of the documented CLI exit codes.
type Code int

const (
	Success                     Code = 0
	InvalidArgs                 Code = 10
	WrongPasswordOrCorruptConfig Code = 11
	FilesystemTooNew            Code = 13
	FilesystemTooOld            Code = 14
	WrongCipher                 Code = 15
	BasedirInaccessible         Code = 16
	MountdirInaccessible        Code = 17
	MountdirNotEmpty            Code = 18
	InvalidFilesystem           Code = 19
	FilesystemIdChanged         Code = 20
	EncryptionKeyChanged        Code = 21
	IntegritySetupMismatch      Code = 22
	SingleClientFilesystem      Code = 23
	IntegrityViolationPreviousRun Code = 24
	IntegrityViolationNow       Code = 25
	LocalStateDirInaccessible   Code = 26
)

// Kind is the stable name a caller attaches to an error, independent of the
// CLI's numbering; exitcode.For maps it to the current table.
type Kind string

const (
	KindInvalidArgs                   Kind = "invalid_args"
	KindWrongPasswordOrCorruptConfig  Kind = "wrong_password_or_corrupt_config"
	KindFilesystemTooNew              Kind = "filesystem_too_new"
	KindFilesystemTooOld              Kind = "filesystem_too_old"
	KindWrongCipher                   Kind = "wrong_cipher"
	KindBasedirInaccessible           Kind = "basedir_inaccessible"
	KindMountdirInaccessible          Kind = "mountdir_inaccessible"
	KindMountdirNotEmpty              Kind = "mountdir_not_empty"
	KindInvalidFilesystem             Kind = "invalid_filesystem"
	KindFilesystemIdChanged           Kind = "filesystem_id_changed"
	KindEncryptionKeyChanged          Kind = "encryption_key_changed"
	KindIntegritySetupMismatch        Kind = "integrity_setup_mismatch"
	KindSingleClientFilesystem        Kind = "single_client_filesystem"
	KindIntegrityViolationPreviousRun Kind = "integrity_violation_previous_run"
	KindIntegrityViolationNow         Kind = "integrity_violation_now"
	KindLocalStateDirInaccessible     Kind = "local_state_dir_inaccessible"
)

var table = map[Kind]Code{
	KindInvalidArgs:                   InvalidArgs,
	KindWrongPasswordOrCorruptConfig:  WrongPasswordOrCorruptConfig,
	KindFilesystemTooNew:              FilesystemTooNew,
	KindFilesystemTooOld:              FilesystemTooOld,
	KindWrongCipher:                   WrongCipher,
	KindBasedirInaccessible:           BasedirInaccessible,
	KindMountdirInaccessible:          MountdirInaccessible,
	KindMountdirNotEmpty:              MountdirNotEmpty,
	KindInvalidFilesystem:             InvalidFilesystem,
	KindFilesystemIdChanged:           FilesystemIdChanged,
	KindEncryptionKeyChanged:          EncryptionKeyChanged,
	KindIntegritySetupMismatch:        IntegritySetupMismatch,
	KindSingleClientFilesystem:        SingleClientFilesystem,
	KindIntegrityViolationPreviousRun: IntegrityViolationPreviousRun,
	KindIntegrityViolationNow:         IntegrityViolationNow,
	KindLocalStateDirInaccessible:     LocalStateDirInaccessible,
}

// For returns the exit code for kind, or Success if kind is unrecognized
// (callers should treat an unrecognized kind as a bug, not silently exit 0
// in production; the core only ever produces the Kinds above).
func For(kind Kind) Code {
	if code, ok := table[kind]; ok {
		return code
	}
	return Success
}
