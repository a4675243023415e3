/*

Deckstore is a content-addressed package store.  Packages are built
from manifests into read-only outputs under a store root, and every
object in the store is named by the hash of its contents.

Vocabulary:

- store: directory holding manifests/, sources/, outputs/ and var/
- manifest: TOML recipe naming a package, its dependencies, sources,
  outputs and build phases; addressed by ManifestId
- source: fetched input of a build, a file or a git checkout;
  addressed by SourceId
- output: a directory produced by a build; addressed by OutputId
- closure: a manifest plus everything it transitively needs
- binary cache: deduplicating pack of built outputs other stores can
  substitute instead of building
- remote store: another store that can hand over manifests and
  outputs
- profile: the set of installed manifests
- deck: the client; deckd: the daemon

Packages:

- id: identity scheme for store objects
- manifest: recipe parsing and canonical form
- store: the directory store, fetching, locking and verification
- cache: binary caches
- index: sqlite record of builds, outputs and the profile
- closure: dependency resolution against the store and substituters
- builder: build graph scheduling and execution
- progress: per-request event streams
- daemon: the service, its socket server and client

*/

package deckstore
