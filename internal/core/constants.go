package core

import (
	"path"
	"time"

	"github.com/cobrabft/cobra/internal/fs"
)

// DefaultConfigFolderName is the name of the folder containing the identity
// files and, by default, the database. It is relative to the user's home
// directory.
const DefaultConfigFolderName = ".cobra"

// DefaultConfigFolder returns the default path of the configuration folder.
func DefaultConfigFolder() string {
	return path.Join(fs.HomeFolder(), DefaultConfigFolderName)
}

// DefaultDBFolder is the name of the folder in which the db file is saved.
// It is relative to the DefaultConfigFolder path.
const DefaultDBFolder = "db"

// DefaultRoundDeadline is the time after which a round that has not finished
// is aborted.
const DefaultRoundDeadline = time.Minute

// DefaultRecoveryTimeout is how long a recovery waits for the frames it asked
// for before soliciting one more sender.
const DefaultRecoveryTimeout = 10 * time.Second

// BlindingContext is the id of the context of recovery rounds.
const BlindingContext = "blinding"
