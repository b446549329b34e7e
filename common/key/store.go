package key

import (
	"errors"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"

	"github.com/cobrabft/cobra/crypto"
	"github.com/cobrabft/cobra/internal/fs"
)

// Store abstracts the loading and saving of a replica's identity material.
type Store interface {
	SaveKeyPair(p *Pair) error
	LoadKeyPair() (*Pair, error)
	SaveView(v *View) error
	LoadView() (*View, error)
}

// ErrAbsent is returned when the requested file does not exist.
var ErrAbsent = errors.New("key: store can't find requested object")

const (
	// KeyFolderName is the sub-folder holding the key pair.
	KeyFolderName    = "key"
	keyFileName      = "replica_id"
	privateExtension = ".private"
	publicExtension  = ".public"
	viewFileName     = "view.toml"
)

// PublicKeyFile returns the path of the public identity file kept under
// baseFolder.
func PublicKeyFile(baseFolder string) string {
	return filepath.Join(baseFolder, KeyFolderName, keyFileName+publicExtension)
}

type fileStore struct {
	suite      *crypto.Suite
	baseFolder string
	privFile   string
	pubFile    string
	viewFile   string
}

// NewFileStore returns a TOML file store rooted at baseFolder.
func NewFileStore(suite *crypto.Suite, baseFolder string) (Store, error) {
	if _, err := fs.CreateSecureFolder(baseFolder); err != nil {
		return nil, err
	}
	keyFolder, err := fs.CreateSecureFolder(filepath.Join(baseFolder, KeyFolderName))
	if err != nil {
		return nil, err
	}
	return &fileStore{
		suite:      suite,
		baseFolder: baseFolder,
		privFile:   filepath.Join(keyFolder, keyFileName+privateExtension),
		pubFile:    PublicKeyFile(baseFolder),
		viewFile:   filepath.Join(baseFolder, viewFileName),
	}, nil
}

// SaveKeyPair saves the private key with tight permissions, then the public
// part.
func (f *fileStore) SaveKeyPair(p *Pair) error {
	if err := save(f.privFile, p.TOML(), true); err != nil {
		return err
	}
	return save(f.pubFile, p.Public.TOML(), false)
}

// LoadKeyPair decodes the private key first, then the public part.
func (f *fileStore) LoadKeyPair() (*Pair, error) {
	p := new(Pair)
	pt := p.TOMLValue()
	if err := load(f.privFile, pt); err != nil {
		return nil, err
	}
	if err := p.FromTOML(f.suite, pt); err != nil {
		return nil, err
	}
	it := p.Public.TOMLValue()
	if err := load(f.pubFile, it); err != nil {
		return nil, err
	}
	return p, p.Public.FromTOML(f.suite, it)
}

func (f *fileStore) SaveView(v *View) error {
	return save(f.viewFile, v.TOML(), false)
}

func (f *fileStore) LoadView() (*View, error) {
	v := new(View)
	vt := v.TOMLValue()
	if err := load(f.viewFile, vt); err != nil {
		return nil, err
	}
	return v, v.FromTOML(vt)
}

func save(path string, t interface{}, secure bool) error {
	var fd *os.File
	var err error
	if secure {
		fd, err = fs.CreateSecureFile(path)
	} else {
		fd, err = os.Create(path)
	}
	if err != nil {
		return err
	}
	defer fd.Close()
	return toml.NewEncoder(fd).Encode(t)
}

func load(path string, t interface{}) error {
	if ok, _ := fs.Exists(path); !ok {
		return ErrAbsent
	}
	_, err := toml.DecodeFile(path, t)
	return err
}

// LoadIdentity reads a public identity file written by a Store.
func LoadIdentity(suite *crypto.Suite, path string) (*Identity, error) {
	id := new(Identity)
	it := id.TOMLValue()
	if err := load(path, it); err != nil {
		return nil, err
	}
	return id, id.FromTOML(suite, it)
}
