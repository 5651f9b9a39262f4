// Package il2patch applies byte-pattern patches to the native libraries of an
// Android APK and rebuilds the archive so it can be aligned and signed again.
//
// Every entry of the rebuilt archive keeps the compression method it had in
// the original: entries that were stored stay stored, everything else is
// deflated. Android requires some entries (resources.arsc, uncompressed
// native libraries) to stay stored, so this matters for the output to install.
//
// # Basic Usage
//
// To patch an APK end to end:
//
//	sess, err := il2patch.NewSession(il2patch.SessionConfig{})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer sess.Close()
//
//	res, err := il2patch.Run(ctx, sess, il2patch.Options{
//	    Input:     "game.apk",
//	    PatchFile: "patches.xml",
//	})
//
// The building blocks can also be used on their own:
//
//	set, _ := il2patch.LoadDescriptors("patches.yaml")
//	results := il2patch.ApplyPatches(buf, set.ForArch("arm64-v8a"))
//
// # Features
//
//   - Patch sources in XML, YAML or plist
//   - Per-architecture patching under lib/<arch>/, optionally in parallel
//   - Method-preserving archive rebuild
//   - zipalign and apksigner integration with v1 signature verification
//   - Archive comparison for checking a rebuild against its source
package il2patch
