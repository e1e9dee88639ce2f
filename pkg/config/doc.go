/*
Package config loads Config from YAML and fills in the derived
sub-directories (layers, download, CNI, runtime) and tunables
(poll period, averaging window, worker pool sizes) the rest of the
module reads, following the defaults-plus-override pattern used
elsewhere in the retrieved example pack's agent config loaders.
*/
package config
