/*
Package cabinet holds what the embedded stores of this module share: error
kinds, open modes, file locking, key comparators and the number codecs used by
AddInt and AddDouble.

The stores themselves live in subpackages:

1. hdb, a hash store keeping arbitrary byte keys and values in one file.

2. bdb, a B+tree store on top of hdb, with ordered keys, duplicate values,
cursors, range queries and transactions.

3. fdb, a fixed-length store addressed by non-negative integer ids.

4. tdb, a table store: each record is a primary key plus named string columns,
searchable with a filter/order/limit query.

# Technical Details

**Handles.**
A store value is created with New, tuned, then opened on a path. A closed handle
can be reopened. Each open file is protected with an advisory lock: writers
exclusively, readers shared.

**Transactions.**
The hash store (and everything built on it) supports one transaction at a time.
The pre-image of every region overwritten inside a transaction is appended to
an undo journal next to the database file (see package journal); abort replays
the journal backwards, commit deletes it. A journal left behind by a crash is
rolled back on the next writable open.

**Concurrency.**
Handles are not goroutine-safe unless SetMutex was called before Open, in which
case every public call is serialized.

## Binary encoding

**Numbers** stored by AddInt are 4-byte little-endian two's complement
integers, by AddDouble 8-byte little-endian IEEE 754 doubles.

**Comparators** are persisted by name in B-tree files. Built-in names are
lexical, decimal, int32 and int64; others need RegisterComparator.
*/
package cabinet
